//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package tool derives tool schemas from Go types.
package tool

import (
	"reflect"
	"strings"

	"github.com/Erfan7767/erfan-agent-backend/tool"
)

// GenerateJSONSchema generates a JSON schema for the given argument or result type.
// Struct fields are named by their json tag; a `jsonschema:"description=...,required"`
// tag sets the field description and forces it into the required list.
func GenerateJSONSchema(t reflect.Type) *tool.Schema {
	if t == nil {
		return &tool.Schema{Type: "object"}
	}
	switch t.Kind() {
	case reflect.Struct:
		return structSchema(t)
	case reflect.Ptr:
		schema := GenerateJSONSchema(t.Elem())
		schema.Type = schema.Type + ",null"
		return schema
	default:
		return GenerateFieldSchema(t)
	}
}

// GenerateFieldSchema generates schema for a specific field type.
func GenerateFieldSchema(t reflect.Type) *tool.Schema {
	switch t.Kind() {
	case reflect.String:
		return &tool.Schema{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &tool.Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &tool.Schema{Type: "number"}
	case reflect.Bool:
		return &tool.Schema{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		return &tool.Schema{
			Type:  "array",
			Items: GenerateFieldSchema(t.Elem()),
		}
	case reflect.Map:
		return &tool.Schema{
			Type:                 "object",
			AdditionalProperties: GenerateFieldSchema(t.Elem()),
		}
	case reflect.Ptr:
		schema := GenerateFieldSchema(t.Elem())
		schema.Type = schema.Type + ",null"
		return schema
	case reflect.Struct:
		return structSchema(t)
	default:
		return &tool.Schema{Type: "object"}
	}
}

func structSchema(t reflect.Type) *tool.Schema {
	schema := &tool.Schema{
		Type:       "object",
		Properties: map[string]*tool.Schema{},
	}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty, skip := jsonFieldName(field)
		if skip {
			continue
		}
		fieldSchema := GenerateFieldSchema(field.Type)
		description, forceRequired := parseSchemaTag(field.Tag.Get("jsonschema"))
		fieldSchema.Description = description
		schema.Properties[name] = fieldSchema

		if forceRequired || (field.Type.Kind() != reflect.Ptr && !omitEmpty) {
			schema.Required = append(schema.Required, name)
		}
	}
	return schema
}

func jsonFieldName(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name = field.Name
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

// parseSchemaTag reads `description=...` and `required` out of a jsonschema tag.
// Descriptions may not contain commas.
func parseSchemaTag(tag string) (description string, required bool) {
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "required":
			required = true
		case strings.HasPrefix(part, "description="):
			description = strings.TrimPrefix(part, "description=")
		}
	}
	return description, required
}
