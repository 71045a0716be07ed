package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSpecGeneratorSendsRequestID(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.capture(t, r)
		writeJSON(w, http.StatusOK, map[string]any{"structured_document": map[string]any{"height_m": 18.0}})
	}))
	defer srv.Close()

	gen := NewHTTPSpecGenerator(srv.URL, fastTransport(), testDeps())
	doc, err := gen.Generate(context.Background(), "req-42", "18m residential building", map[string]any{"jurisdiction": "Mumbai"})
	require.NoError(t, err)
	assert.Equal(t, 18.0, doc["height_m"])

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "req-42", rec.header(0).Get("X-Correlation-ID"))
	assert.Equal(t, "18m residential building", rec.body(0)["prompt"])
}
