package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/project-tktt/graph-extractor/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenStores_NoneEnabled(t *testing.T) {
	stores, err := OpenStores(context.Background(), &config.Config{}, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, stores.Empty())
	assert.Equal(t, "none", stores.Name())
	assert.NoError(t, stores.Close())
}

func TestOpenStores_Elasticsearch(t *testing.T) {
	var mu sync.Mutex
	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut:
			mu.Lock()
			created = true
			mu.Unlock()
			w.Write([]byte(`{"acknowledged":true}`))
		default:
			w.Write([]byte(`{"version":{"number":"8.11.0"}}`))
		}
	}))
	defer srv.Close()

	cfg := &config.Config{Elasticsearch: config.ESConfig{
		Enabled:   true,
		Addresses: []string{srv.URL},
		Index:     "records",
	}}

	stores, err := OpenStores(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer stores.Close()

	assert.False(t, stores.Empty())
	assert.Equal(t, "elasticsearch", stores.Name())
	mu.Lock()
	assert.True(t, created, "missing index is created")
	mu.Unlock()
}

func TestOpenStores_ElasticsearchDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := &config.Config{Elasticsearch: config.ESConfig{Enabled: true, Addresses: []string{srv.URL}}}

	_, err := OpenStores(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
