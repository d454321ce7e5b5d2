package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("send message: %w", Forbidden("not a member"))

	assert.Equal(t, KindForbidden, KindOf(err))
	assert.True(t, Is(err, KindForbidden))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(err))
	assert.Equal(t, "not a member", PublicMessage(err))
}

func TestPlainErrorsAreInternal(t *testing.T) {
	err := errors.New("disk on fire")

	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Equal(t, "internal server error", PublicMessage(err))
}

func TestInternalHidesCause(t *testing.T) {
	err := Internal("failed to save message", errors.New("database is locked"))

	assert.Equal(t, "internal server error", PublicMessage(err))
	assert.Contains(t, err.Error(), "database is locked")
}

func TestStatusMapping(t *testing.T) {
	cases := map[*Error]int{
		InvalidArgument("x"): http.StatusBadRequest,
		Unauthenticated("x"): http.StatusUnauthorized,
		NotFound("x"):        http.StatusNotFound,
		Conflict("x"):        http.StatusConflict,
		RateLimited("x"):     http.StatusTooManyRequests,
	}
	for err, status := range cases {
		assert.Equal(t, status, HTTPStatus(err), string(err.Kind))
	}
}
