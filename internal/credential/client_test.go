package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"sess_1","client_secret":{"value":"ek_123","expires_at":1760000000}}`))
	}))
	defer server.Close()

	secret, err := NewClient(server.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ek_123", secret)
}

func TestFetchMissingSecret(t *testing.T) {
	for _, body := range []string{`{}`, `{"client_secret":{}}`, `{"client_secret":{"value":"  "}}`, `not json`} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		_, err := NewClient(server.URL).Fetch(context.Background())
		server.Close()

		assert.True(t, errors.Is(err, ErrMissingCredential), "body %s: %v", body, err)
	}
}

func TestFetchErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestFunc(t *testing.T) {
	src := Func(func(ctx context.Context) (string, error) { return "ek_fn", nil })
	secret, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ek_fn", secret)
}
