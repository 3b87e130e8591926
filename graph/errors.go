//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "errors"

// Errors.
var (
	ErrNoEntryPoint            = errors.New("graph must have an entry point")
	ErrMaxStepsExceeded        = errors.New("maximum execution steps exceeded")
	ErrMaxToolRoundsExceeded   = errors.New("maximum tool rounds exceeded")
	ErrNoMessages              = errors.New("no messages in state")
	ErrLastMessageNotAssistant = errors.New("last message is not an assistant message")
	ErrNoModelResponse         = errors.New("no response received from model")
)
