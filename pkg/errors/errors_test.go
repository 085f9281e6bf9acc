package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := NotFound("approval_request", "abc")
	assert.True(t, Is(err, ErrNotFound))
	assert.False(t, Is(err, ErrInvalidState))

	wrapped := fmt.Errorf("loading: %w", err)
	assert.True(t, Is(wrapped, ErrNotFound))
	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(cause, ErrCodeInternal, "failed to load")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		PermissionDenied("no"):            http.StatusForbidden,
		NotAnApprover("u1", "r1"):         http.StatusForbidden,
		InvalidState("terminal"):          http.StatusConflict,
		NotFound("lease", "l1"):           http.StatusNotFound,
		InvalidInput("reason", "missing"): http.StatusBadRequest,
		stderrors.New("boom"):             http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}

func TestNotAnApproverIsDistinctFromPermissionDenied(t *testing.T) {
	err := NotAnApprover("u1", "r1")
	assert.False(t, Is(err, ErrPermissionDenied))
	assert.True(t, Is(err, ErrNotAnApprover))
}
