package kerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorShape(t *testing.T) {
	err := Conflictf("LOCK_HELD", "lock %q is held", "db-mig").
		WithDetail("holder", "agent-a")

	assert.Equal(t, Conflict, err.Kind)
	assert.Equal(t, "LOCK_HELD", err.Code)
	assert.Contains(t, err.Error(), "LOCK_HELD")
	assert.Equal(t, "agent-a", err.Details["holder"])
}

func TestAs_PassThroughAndWrap(t *testing.T) {
	orig := NotFoundf("SESSION_NOT_FOUND", "no session")
	wrapped := fmt.Errorf("handler: %w", orig)

	ke := As(wrapped)
	assert.Equal(t, "SESSION_NOT_FOUND", ke.Code)
	assert.Equal(t, NotFound, ke.Kind)

	ke = As(errors.New("boom"))
	assert.Equal(t, Internal, ke.Kind)
	assert.Equal(t, "INTERNAL", ke.Code)
	require.NotNil(t, ke.Unwrap())
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Validationf("INVALID_IDENTITY", "bad"))
	assert.True(t, IsKind(err, Validation))
	assert.False(t, IsKind(err, Conflict))
	assert.False(t, IsKind(errors.New("plain"), Validation))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Validation.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, NotFound.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, Expired.HTTPStatus())
	assert.Equal(t, http.StatusConflict, Conflict.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, Capacity.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Transient.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Internal.HTTPStatus())
}

func TestRetryable(t *testing.T) {
	assert.True(t, New(Transient, "PORT_RANGE_EXHAUSTED", "full").Retryable())
	assert.False(t, Conflictf("LOCK_HELD", "held").Retryable())
}
