package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoginExtractsCookie(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "api-key", user)

		var req extractRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.ResponseCookies)
		assert.Equal(t, "https://www.upwork.com/nx/search/jobs/", req.URL)

		_, _ = w.Write([]byte(`{"responseCookies":[
			{"name":"visitor_id","value":"abc","expires":0},
			{"name":"UniversalSearchNuxt_vt","value":"oauth2v2_tok","expires":1900000000}
		]}`))
	}))
	defer srv.Close()

	auth, err := New(srv.Client(), Config{Endpoint: srv.URL, APIKey: "api-key"}, zap.NewNop())
	require.NoError(t, err)

	creds, err := auth.Login(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "oauth2v2_tok", string(creds.Blob))
	require.Equal(t, time.Unix(1900000000, 0).UTC(), creds.ExpiresAt)
}

func TestLoginMissingCookie(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"responseCookies":[]}`))
	}))
	defer srv.Close()

	auth, err := New(srv.Client(), Config{Endpoint: srv.URL}, nil)
	require.NoError(t, err)

	_, err = auth.Login(context.Background(), nil)
	require.ErrorContains(t, err, "UniversalSearchNuxt_vt")
}

func TestLoginUpstreamFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth, err := New(srv.Client(), Config{Endpoint: srv.URL}, nil)
	require.NoError(t, err)

	_, err = auth.Login(context.Background(), nil)
	require.ErrorContains(t, err, "unexpected status 401")
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}, nil)
	require.Error(t, err)
}
