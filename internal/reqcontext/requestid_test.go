package reqcontext

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidRequestID(t *testing.T) {
	assert.True(t, IsValidRequestID("abc-123_DEF"))
	assert.False(t, IsValidRequestID(""))
	assert.False(t, IsValidRequestID("has space"))
	assert.False(t, IsValidRequestID(strings.Repeat("a", MaxRequestIDLength+1)))
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	t.Run("keeps a valid incoming id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "req-1", seen)
		assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
	})

	t.Run("replaces an invalid id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "bad id!")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.NotEqual(t, "bad id!", seen)
		assert.Len(t, seen, 36)
	})
}

func TestContextValues(t *testing.T) {
	ctx := WithSessionID(WithClientID(context.Background(), "client-1"), "sess-1")
	assert.Equal(t, "client-1", ClientID(ctx))
	assert.Equal(t, "sess-1", SessionID(ctx))
	assert.Empty(t, RequestID(ctx))
}
