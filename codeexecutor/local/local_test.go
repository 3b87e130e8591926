//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package local_test

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Erfan7767/erfan-agent-backend/codeexecutor"
	"github.com/Erfan7767/erfan-agent-backend/codeexecutor/local"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func TestLocal_Stdout(t *testing.T) {
	requirePython(t)
	p := local.New(local.WithBaseDir(t.TempDir()))
	result, err := codeexecutor.Run(context.Background(), p, "print(1 + 1)")
	require.NoError(t, err)
	assert.Equal(t, []string{"2\n"}, result.Stdout)
	assert.Nil(t, result.Error)
}

func TestLocal_ExecutionError(t *testing.T) {
	requirePython(t)
	p := local.New(local.WithBaseDir(t.TempDir()))
	result, err := codeexecutor.Run(context.Background(), p, "print('before')\n1/0")
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, "ZeroDivisionError", result.Error.Name)
	assert.Equal(t, "division by zero", result.Error.Value)
	assert.Contains(t, result.Error.Traceback, "Traceback")
	assert.Equal(t, []string{"before\n"}, result.Stdout)
}

func TestLocal_Timeout(t *testing.T) {
	requirePython(t)
	p := local.New(local.WithBaseDir(t.TempDir()), local.WithTimeout(200*time.Millisecond))
	result, err := codeexecutor.Run(context.Background(), p, "import time\ntime.sleep(5)")
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, "TimeoutError", result.Error.Name)
}

func TestLocal_ContextCanceled(t *testing.T) {
	requirePython(t)
	p := local.New(local.WithBaseDir(t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := codeexecutor.Run(ctx, p, "print(1)")
	assert.Error(t, err)
}

func TestLocal_SandboxDirRemovedOnClose(t *testing.T) {
	base := t.TempDir()
	p := local.New(local.WithBaseDir(base))
	sb, err := p.NewSandbox(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, sb.ID())

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, sb.Close(context.Background()))
	entries, err = os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocal_MissingInterpreter(t *testing.T) {
	p := local.New(local.WithBaseDir(t.TempDir()), local.WithInterpreter("definitely-not-a-python"))
	_, err := codeexecutor.Run(context.Background(), p, "print(1)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-not-a-python")
}
