// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func succeed(id string, output any) Strategy {
	return NewStrategy(id, func(ctx context.Context, ec *Context) (Result, error) {
		return Result{Success: true, Output: output}, nil
	})
}

func fail(id string) Strategy {
	return NewStrategy(id, func(ctx context.Context, ec *Context) (Result, error) {
		return Result{}, errors.New(id + " broke")
	})
}

func sleeper(id string, d time.Duration, output any) Strategy {
	return NewStrategy(id, func(ctx context.Context, ec *Context) (Result, error) {
		select {
		case <-time.After(d):
			return Result{Success: true, Output: output}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	})
}

func TestExecutor_RecordsSuccess(t *testing.T) {
	ec := NewContext("task", nil, 0)
	exec := NewExecutor(0, nil)

	res := exec.Run(context.Background(), succeed("s1", "ok"), ec)

	assert.True(t, res.Success)
	assert.Equal(t, "s1", res.StrategyID)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, 1, ec.Attempts())
	require.Len(t, ec.History(), 1)
	assert.Equal(t, "s1", ec.History()[0].StrategyID)
}

func TestExecutor_ErrorBecomesFailedResult(t *testing.T) {
	ec := NewContext("task", nil, 0)

	res := NewExecutor(0, nil).Run(context.Background(), fail("bad"), ec)

	assert.False(t, res.Success)
	assert.Equal(t, "bad broke", res.Error)
	assert.ErrorIs(t, res.Cause, ErrStrategyFailed)
	var execErr *ExecutionError
	require.ErrorAs(t, res.Cause, &execErr)
	assert.Equal(t, KindStrategyFailure, execErr.Kind)
	assert.Equal(t, "bad", execErr.StrategyID)
}

func TestExecutor_RecoversPanics(t *testing.T) {
	ec := NewContext("task", nil, 0)
	boom := NewStrategy("boom", func(ctx context.Context, ec *Context) (Result, error) {
		panic("kaboom")
	})

	res := NewExecutor(0, nil).Run(context.Background(), boom, ec)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "kaboom")
	assert.Len(t, ec.History(), 1)
}

func TestExecutor_Timeout(t *testing.T) {
	ec := NewContext("task", nil, 0)

	res := NewExecutor(20*time.Millisecond, nil).Run(context.Background(), sleeper("slow", time.Second, nil), ec)

	assert.False(t, res.Success)
	assert.Equal(t, "Execution timeout after 20ms", res.Error)
	assert.ErrorIs(t, res.Cause, ErrTimeout)
}

func TestExecutor_TimeoutScale(t *testing.T) {
	ec := NewContext("task", nil, 0)
	ec.Set(MetaParamTimeoutScale, 10.0)

	res := NewExecutor(20*time.Millisecond, nil).Run(context.Background(), sleeper("slow", 60*time.Millisecond, "done"), ec)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "done", res.Output)

	ec.Set(MetaParamTimeoutScale, "bogus")
	res = NewExecutor(20*time.Millisecond, nil).Run(context.Background(), sleeper("slow", time.Second, nil), ec)
	assert.Equal(t, "Execution timeout after 20ms", res.Error)
}

func TestContext_HistoryIsBounded(t *testing.T) {
	ec := NewContext("task", nil, 2)
	for _, id := range []string{"a", "b", "c"} {
		ec.RecordResult(Result{StrategyID: id})
	}

	h := ec.History()
	require.Len(t, h, 2)
	assert.Equal(t, "b", h[0].StrategyID)
	last, ok := ec.LastResult()
	require.True(t, ok)
	assert.Equal(t, "c", last.StrategyID)
}

func TestContext_ConcurrentAccess(t *testing.T) {
	ec := NewContext("task", nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ec.IncrementAttempts()
			ec.Set("k", i)
			ec.RecordResult(Result{})
			_ = ec.Metadata()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, ec.Attempts())
	assert.Len(t, ec.History(), 16)
}

func TestContext_TypedMetadata(t *testing.T) {
	ec := NewContext("task", nil, 0)
	ec.Set(MetaGovernanceCompliant, true)
	ec.Set(MetaTraceID, "abc")
	ec.Set("wrong", 3)

	assert.True(t, ec.GetBool(MetaGovernanceCompliant))
	assert.Equal(t, "abc", ec.GetString(MetaTraceID))
	assert.False(t, ec.GetBool("wrong"))
	assert.Equal(t, "", ec.GetString("missing"))
	assert.NotEmpty(t, ec.ID)
}
