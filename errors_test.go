package durable

import (
	"errors"
	"fmt"
	"testing"

	"github.com/goliatone/go-durable/keys"
	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneErrorLeavesSentinelUntouched(t *testing.T) {
	err := cloneError(ErrWorkflowNotFound, "custom", errors.New("cause"), map[string]any{"k": "v"})

	assert.Equal(t, "custom", err.Message)
	assert.Equal(t, CodeWorkflowNotFound, err.TextCode)
	assert.Equal(t, "v", err.Metadata["k"])
	assert.Equal(t, "workflow not found", ErrWorkflowNotFound.Message)
	assert.Empty(t, ErrWorkflowNotFound.Metadata)
	assert.Nil(t, ErrWorkflowNotFound.Source)
}

func TestHasCodeWalksSources(t *testing.T) {
	inner := cloneError(ErrLeaseLost, "", nil, nil)
	outer := cloneError(ErrInvalidInput, "wrapping", inner, nil)
	wrapped := fmt.Errorf("context: %w", outer)

	assert.Equal(t, CodeInvalidInput, ErrorCode(wrapped))
	assert.True(t, HasCode(wrapped, CodeInvalidInput))
	assert.True(t, HasCode(wrapped, CodeLeaseLost))
	assert.False(t, HasCode(wrapped, CodeCancelled))
	assert.False(t, HasCode(errors.New("plain"), CodeLeaseLost))
	assert.Empty(t, ErrorCode(nil))
}

func TestIsSuspended(t *testing.T) {
	assert.True(t, IsSuspended(ErrSuspended))
	assert.True(t, IsSuspended(fmt.Errorf("parked: %w", ErrSuspended)))
	assert.False(t, IsSuspended(ErrLeaseLost))
}

func TestActivityErrorUnwrapsToCode(t *testing.T) {
	err := error(&ActivityError{Activity: "charge", Attempts: 3, LastError: "declined"})
	assert.Equal(t, "activity charge failed after 3 attempts: declined", err.Error())
	assert.True(t, HasCode(err, CodeActivityRetryLimit))

	var ge *apperrors.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "charge", ge.Metadata["activity"])
}

func TestSubWorkflowErrorUnwrapsToCode(t *testing.T) {
	id := uuid.New()
	err := error(&SubWorkflowError{WorkflowID: id, Name: "child", State: keys.StateDead, Message: "boom"})
	assert.Contains(t, err.Error(), id.String())
	assert.True(t, HasCode(err, CodeSubWorkflowFailed))
}

func TestPanicErrorUnwrap(t *testing.T) {
	err := capturePanic("activity test", func() error { panic("bad value") })
	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "activity test", pe.Where)
	assert.Equal(t, "panic in activity test: bad value", pe.Error())
	assert.True(t, HasCode(err, CodePanic))
	assert.NotEmpty(t, pe.Stack)

	sentinel := errors.New("typed")
	err = capturePanic("activity test", func() error { panic(sentinel) })
	assert.ErrorIs(t, err, sentinel)

	assert.NoError(t, capturePanic("activity test", func() error { return nil }))
}
