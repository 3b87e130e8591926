//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	itelemetry "github.com/Erfan7767/erfan-agent-backend/internal/telemetry"
)

func TestTracesEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "custom-trace:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "generic:4317")
	assert.Equal(t, "custom-trace:4317", tracesEndpoint(itelemetry.ProtocolGRPC))

	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	assert.Equal(t, "generic:4317", tracesEndpoint(itelemetry.ProtocolGRPC))

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	assert.Equal(t, "localhost:4317", tracesEndpoint(itelemetry.ProtocolGRPC))
	assert.Equal(t, "localhost:4318", tracesEndpoint(itelemetry.ProtocolHTTP))
}

func TestParseEndpointURL(t *testing.T) {
	endpoint, path, err := parseEndpointURL("http://localhost:3000/api/public/otel")
	require.NoError(t, err)
	assert.Equal(t, "localhost:3000", endpoint)
	assert.Equal(t, "/api/public/otel", path)

	endpoint, path, err = parseEndpointURL("collector:4318")
	require.NoError(t, err)
	assert.Equal(t, "collector:4318", endpoint)
	assert.Equal(t, "/", path)

	_, _, err = parseEndpointURL("http://")
	assert.Error(t, err)
}

func TestStartAndClean(t *testing.T) {
	for _, protocol := range []string{itelemetry.ProtocolGRPC, itelemetry.ProtocolHTTP} {
		t.Run(protocol, func(t *testing.T) {
			clean, err := Start(context.Background(),
				WithProtocol(protocol),
				WithEndpoint("localhost:4317"),
				WithServiceName("test"),
			)
			require.NoError(t, err)
			require.NotNil(t, clean)
			require.NotNil(t, Tracer)
			_ = clean()
		})
	}
}
