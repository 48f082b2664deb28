package logx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugDomainFiltering(t *testing.T) {
	t.Cleanup(func() { SetDebug(false, nil) })

	SetDebug(false, nil)
	assert.False(t, IsDebugEnabled("session"))

	SetDebug(true, nil)
	assert.True(t, IsDebugEnabled("session"))
	assert.True(t, IsDebugEnabled("pipeline"))

	SetDebug(true, []string{"session"})
	assert.True(t, IsDebugEnabled("session"))
	assert.False(t, IsDebugEnabled("pipeline"))
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(base, "db connect")
	require.Error(t, wrapped)
	assert.ErrorIs(t, wrapped, base)
	assert.Contains(t, wrapped.Error(), "db connect")

	assert.NoError(t, Wrap(nil, "ignored"))
}

func TestErrorfReturnsError(t *testing.T) {
	err := Errorf("setup failed: %d", 42)
	require.Error(t, err)
	assert.Equal(t, "setup failed: 42", err.Error())
}

func TestWithComponent(t *testing.T) {
	parent := NewLogger("ws")
	child := parent.WithComponent("session-abc")
	assert.Equal(t, "session-abc", child.component)
}
