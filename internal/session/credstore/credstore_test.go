package credstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewFile(filepath.Join(t.TempDir(), "nested", "creds.json"))
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, harvest.ErrNotFound)

	require.NoError(t, store.Save(context.Background(), []byte(`{"v":1}`)))
	require.NoError(t, store.Save(context.Background(), []byte(`{"v":2}`)))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, `{"v":2}`, string(got))
}

func TestNewFileRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewFile("")
	require.Error(t, err)
}

func TestMemoryCopiesBlob(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	blob := []byte("cookie")
	require.NoError(t, store.Save(context.Background(), blob))
	blob[0] = 'X'

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cookie", string(got))
}

type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	val, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisStore(t *testing.T) {
	t.Parallel()

	client := &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
	store, err := NewRedis(client, RedisConfig{TTL: time.Hour})
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, harvest.ErrNotFound)

	require.NoError(t, store.Save(context.Background(), []byte("blob")))
	require.Equal(t, time.Hour, client.ttls["harvester:credentials"])

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "blob", string(got))

	client.err = errors.New("connection refused")
	_, err = store.Load(context.Background())
	require.ErrorContains(t, err, "get credentials")
	require.NotErrorIs(t, err, harvest.ErrNotFound)
}

func newTestGCS(t *testing.T, handler http.Handler) *GCS {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gcs.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewGCS(client, GCSConfig{Bucket: "test-bucket", Object: "creds.json"})
	require.NoError(t, err)
	return store
}

func TestGCSSave(t *testing.T) {
	t.Parallel()

	store := newTestGCS(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "creds.json", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "session-blob")

		fmt.Fprintln(w, `{ "name": "creds.json" }`)
	}))

	require.NoError(t, store.Save(context.Background(), []byte("session-blob")))
}

func TestGCSSaveError(t *testing.T) {
	t.Parallel()

	store := newTestGCS(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	require.Error(t, store.Save(context.Background(), []byte("session-blob")))
}

func TestGCSLoadMissing(t *testing.T) {
	t.Parallel()

	store := newTestGCS(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestNewGCSValidation(t *testing.T) {
	t.Parallel()

	_, err := NewGCS(nil, GCSConfig{Bucket: "b"})
	require.Error(t, err)
}
