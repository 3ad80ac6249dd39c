package errutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmq/protocol/errors"
)

func TestToFromUserPropRoundTrip(t *testing.T) {
	orig := &errors.Error{
		Message:       "handler blew up",
		Kind:          errors.ExecutorError,
		InApplication: true,
		PropertyName:  "counterName",
	}
	props := ToUserProp(orig)
	require.Contains(t, props, "AppErrCode")
	require.Contains(t, props, "AppErrPayload")

	restored := FromUserProp(props)
	var e *errors.Error
	require.ErrorAs(t, restored, &e)
	assert.Equal(t, errors.ExecutorError, e.Kind)
	assert.Equal(t, "handler blew up", e.Message)
	assert.True(t, e.InApplication)
	assert.True(t, e.IsRemote)
}

func TestFromUserPropAbsent(t *testing.T) {
	assert.Nil(t, FromUserProp(map[string]string{"other": "x"}))
}

func TestContextTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	err := Context(ctx, "test op")
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.Timeout, e.Kind)
}

func TestContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Context(ctx, "test op")
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.Cancelled, e.Kind)
}

func TestValidateNonNil(t *testing.T) {
	err := ValidateNonNil(map[string]any{"client": nil})
	require.Error(t, err)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.ArgumentInvalid, e.Kind)
}

func TestNoReturn(t *testing.T) {
	base := &errors.Error{Message: "dropped", Kind: errors.HeaderMissing}
	wrapped := NoReturn(base)
	no, unwrapped := IsNoReturn(wrapped)
	assert.True(t, no)
	assert.Equal(t, base, unwrapped)

	no, _ = IsNoReturn(base)
	assert.False(t, no)
}
