package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := Transient("stack describe failed").WithOp("poll").WithTenant("251018ab").WithCause(errors.New("timeout"))
	assert.Equal(t, "[poll:transient] stack describe failed: timeout", err.Error())
	assert.Equal(t, "[not_found] tenant not found: x", NotFound("tenant", "x").Error())
}

func TestCategoryMatching(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", Conflict("in flight").WithCause(cause))

	assert.True(t, IsCategory(err, CategoryConflict))
	assert.False(t, IsCategory(err, CategoryTransient))
	assert.Equal(t, CategoryConflict, CategoryOf(err))
	assert.Equal(t, CategoryInternal, CategoryOf(cause))
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &Error{Category: CategoryConflict})
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "op", "id"))

	wrapped := Wrap(errors.New("disk full"), "finalize", "251018ab")
	var e *Error
	assert.ErrorAs(t, wrapped, &e)
	assert.Equal(t, CategoryInternal, e.Category)
	assert.Equal(t, "finalize", e.Operation)
	assert.Equal(t, "251018ab", e.TenantID)

	kept := Wrap(Configuration("bad tier"), "start", "x")
	assert.Equal(t, CategoryConfiguration, CategoryOf(kept))
	assert.Contains(t, kept.Error(), "start")
}
