package gwerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Run("wrapped classified error keeps its kind", func(t *testing.T) {
		err := fmt.Errorf("connect: %w", Configuration("upstream.connect", "missing input %s", "TOKEN"))
		assert.Equal(t, KindConfiguration, KindOf(err))
		assert.True(t, errors.Is(err, ErrConfiguration))
		assert.False(t, errors.Is(err, ErrConnection))
	})

	t.Run("plain error is internal", func(t *testing.T) {
		assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	})

	t.Run("only connection errors retry", func(t *testing.T) {
		assert.True(t, IsRetryable(Connection("dial", errors.New("refused"))))
		assert.False(t, IsRetryable(Configuration("dial", "bad")))
		assert.False(t, IsRetryable(Auth("token", "expired")))
	})
}

func TestJSONRPCCode(t *testing.T) {
	code, msg := JSONRPCCode(Permission("router.invoke", "tool %s not granted", "secret__drop"))
	unknownCode, unknownMsg := JSONRPCCode(NotFound("router.invoke", "tool", "secret__drop"))
	assert.Equal(t, unknownCode, code)
	assert.Equal(t, unknownMsg, msg, "permission denial must look like an unknown feature")

	code, msg = JSONRPCCode(errors.New("dial tcp 10.0.0.1: secret internals"))
	assert.Equal(t, CodeInternalError, code)
	assert.Equal(t, "Internal error", msg)

	code, _ = JSONRPCCode(BackendUnavailable("router.invoke", "inst-1", "Reconnecting"))
	assert.Equal(t, CodeBackendUnavailable, code)
}

func TestErrorString(t *testing.T) {
	err := E(KindStorage, "secret.decrypt", errors.New("cipher: message authentication failed"))
	assert.Equal(t, "secret.decrypt: cipher: message authentication failed", err.Error())
	assert.Equal(t, "storage", err.Kind.String())
}
