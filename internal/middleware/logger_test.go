package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_RecordsStatusAndSize(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("already taken"))
	})

	req := httptest.NewRequest(http.MethodPost, "/api/listings/skills/1/accept", nil)
	Logger(zap.New(core))(next).ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/api/listings/skills/1/accept", fields["uri"])
	assert.EqualValues(t, http.StatusConflict, fields["status"])
	assert.EqualValues(t, len("already taken"), fields["size"])
}
