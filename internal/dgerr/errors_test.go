package dgerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKindThroughWrapping(t *testing.T) {
	err := New(NotFound, "container.MemberType", "member '%s' not found", "vec3")
	wrapped := fmt.Errorf("evaluating node: %w", err)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrDuplicateName))
	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.Equal(t, "container.MemberType: member 'vec3' not found", err.Error())
}

func TestWrap(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, Wrap(Unsupported, "op", nil))
	})

	t.Run("cause is preserved", func(t *testing.T) {
		cause := errors.New("boom")
		err := Wrap(Unsupported, "port.Connect", cause)
		require.Error(t, err)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestCompile(t *testing.T) {
	diags := []Diagnostic{
		{Severity: "warning", Filename: "op.hcl", Line: 1, Column: 1, Message: "unused"},
		{Severity: "error", Filename: "op.hcl", Line: 3, Column: 7, Message: "unknown variable"},
	}
	err := Compile("operator.PrepareForExecution", diags)

	assert.ErrorIs(t, err, ErrCompileError)
	assert.Contains(t, err.Error(), "op.hcl:3,7: unknown variable")
	assert.Equal(t, diags, DiagnosticsOf(fmt.Errorf("outer: %w", err)))
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, "unknown error", Unknown.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
