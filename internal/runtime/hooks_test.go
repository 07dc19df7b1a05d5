package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/cfxflow/internal/runtime/handlers"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

var hookEventMeta = metadata.EventMetadata{Name: "playerJoining", MethodName: "OnJoin", Networked: true}

func TestJobHooks_StartAndDone(t *testing.T) {
	var started, done JobContext
	hooks := JobHooks{
		OnJobStart: func(ctx JobContext) { started = ctx },
		OnJobDone:  func(ctx JobContext) { done = ctx },
	}

	h := jobHooksMiddleware(hooks)(hookEventMeta, func(ctx context.Context, args ...any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	})

	ctx := handlers.WithSource(context.Background(), "7")
	result, err := h(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	assert.Equal(t, metadata.KindEvent, started.Kind)
	assert.Equal(t, "playerJoining", started.Name)
	assert.Equal(t, "OnJoin", started.Method)
	assert.Equal(t, "7", started.Source)
	assert.False(t, started.StartedAt.IsZero())
	assert.GreaterOrEqual(t, done.Duration, 5*time.Millisecond)
}

func TestJobHooks_OnJobError(t *testing.T) {
	boom := errors.New("boom")
	var gotErr error
	var doneCalled bool
	hooks := JobHooks{
		OnJobDone:  func(JobContext) { doneCalled = true },
		OnJobError: func(_ JobContext, err error) { gotErr = err },
	}

	h := jobHooksMiddleware(hooks)(hookEventMeta, func(ctx context.Context, args ...any) (any, error) {
		return nil, boom
	})

	_, err := h(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, gotErr, boom)
	assert.False(t, doneCalled)
}

func TestJobHooks_Merge(t *testing.T) {
	var order []string
	a := JobHooks{OnJobStart: func(JobContext) { order = append(order, "a") }}
	b := JobHooks{
		OnJobStart: func(JobContext) { order = append(order, "b") },
		OnJobError: func(JobContext, error) { order = append(order, "b-error") },
	}

	merged := a.Merge(b)
	merged.OnJobStart(JobContext{})
	merged.OnJobError(JobContext{}, errors.New("x"))
	assert.Nil(t, merged.OnJobDone)
	assert.Equal(t, []string{"a", "b", "b-error"}, order)
}

func TestMetricsHooks(t *testing.T) {
	counts := map[string]int{}
	hooks := MetricsHooks(
		func(kind metadata.Kind, name string) { counts["start:"+name]++ },
		func(kind metadata.Kind, name string) { counts["done:"+name]++ },
		nil,
	)

	h := jobHooksMiddleware(hooks)(hookEventMeta, func(ctx context.Context, args ...any) (any, error) {
		return nil, nil
	})
	_, _ = h(context.Background())

	assert.Equal(t, 1, counts["start:playerJoining"])
	assert.Equal(t, 1, counts["done:playerJoining"])
}

func TestAlertingHooks(t *testing.T) {
	var alerted bool
	hooks := AlertingHooks(func(JobContext, error) { alerted = true })
	assert.Nil(t, hooks.OnJobStart)

	h := jobHooksMiddleware(hooks)(hookEventMeta, func(ctx context.Context, args ...any) (any, error) {
		return nil, errors.New("fail")
	})
	_, _ = h(context.Background())
	assert.True(t, alerted)
}
