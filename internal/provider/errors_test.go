package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "provider: network error: refused", NetworkError("refused").Error())
	assert.Equal(t, "provider: format error: bad json", FormatError("bad json").Error())
	assert.Equal(t, "provider: auth error: expired", AuthError("expired").Error())
	assert.Equal(t, "provider: rate limit exceeded", RateLimitExceeded().Error())
	assert.Equal(t, "provider: service unavailable", ServiceUnavailable().Error())
}

func TestErrorIsMatchesKind(t *testing.T) {
	wrapped := fmt.Errorf("cycle: %w", RateLimitExceeded())
	assert.ErrorIs(t, wrapped, ErrRateLimitExceeded)
	assert.NotErrorIs(t, wrapped, ErrServiceUnavailable)

	assert.True(t, errors.Is(NetworkError("a"), NetworkError("b")), "messages are ignored")
	assert.False(t, errors.Is(NetworkError("a"), FormatError("a")))
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	perr := AsError(fmt.Errorf("wrap: %w", AuthError("nope")))
	assert.Equal(t, KindAuth, perr.Kind)

	plain := AsError(errors.New("boom"))
	assert.Equal(t, KindNetwork, plain.Kind)
	assert.Equal(t, "boom", plain.Message)
}

func TestErrorKindString(t *testing.T) {
	kinds := map[ErrorKind]string{
		KindNetwork:            "network",
		KindFormat:             "format",
		KindAuth:               "auth",
		KindRateLimitExceeded:  "rate_limit_exceeded",
		KindServiceUnavailable: "service_unavailable",
		ErrorKind(0):           "unknown",
	}
	for kind, want := range kinds {
		assert.Equal(t, want, kind.String())
	}
}
