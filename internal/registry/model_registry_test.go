package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/config"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/proxy"
)

// countingSource serves a provider-list document and counts fetches.
type countingSource struct {
	client *proxy.Client
	calls  int
	fail   bool
}

func (c *countingSource) FetchProviderList(ctx context.Context) (*proxy.ProviderList, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("backend unavailable")
	}
	return c.client.FetchProviderList(ctx)
}

func newCountingSource(t *testing.T, doc string) *countingSource {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"openai-compatibility":` + doc + `}`))
	}))
	t.Cleanup(srv.Close)
	return &countingSource{
		client: proxy.NewClient(config.ProxyConfig{BaseURL: srv.URL, ManagementKey: "k"}),
	}
}

const catalogDoc = `[
	{"name":"openrouter","prefix":"or","models":[{"name":"big-model-v2","alias":"big"},{"name":"small-model-v1","alias":"small"}],"excluded-models":["small"]},
	{"name":"local","models":[{"name":"tiny-model"},{"name":"exp-model-preview","alias":"exp-preview"}],"excluded-models":["exp-*"]}
]`

func TestModelsComputesCatalog(t *testing.T) {
	source := newCountingSource(t, catalogDoc)
	reg := NewModelRegistry(source)

	models, err := reg.Models(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	// "small" excluded exactly, "exp-preview" excluded by prefix pattern,
	// unaliased models fall back to their upstream name.
	assert.Equal(t, []string{"or/big", "tiny-model"}, ids)
	assert.Equal(t, "openrouter", models[0].OwnedBy)
	assert.Equal(t, "big-model-v2", models[0].Upstream)
}

func TestModelsCachedUntilMarkedStale(t *testing.T) {
	source := newCountingSource(t, `[{"name":"p","models":[{"name":"m","alias":"m"}]}]`)
	reg := NewModelRegistry(source)
	ctx := context.Background()

	_, err := reg.Models(ctx)
	require.NoError(t, err)
	_, err = reg.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls)

	reg.MarkStale()
	_, err = reg.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestModelsServesSnapshotOnRefreshFailure(t *testing.T) {
	source := newCountingSource(t, `[{"name":"p","models":[{"name":"m","alias":"m"}]}]`)
	reg := NewModelRegistry(source)
	ctx := context.Background()

	models, err := reg.Models(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)

	reg.MarkStale()
	source.fail = true
	models, err = reg.Models(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)

	// The stale flag survives a failed refresh so a later read retries.
	source.fail = false
	_, err = reg.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, source.calls)
}

func TestModelsServesEmptySnapshotOnRefreshFailure(t *testing.T) {
	source := newCountingSource(t, `[]`)
	reg := NewModelRegistry(source)
	ctx := context.Background()

	models, err := reg.Models(ctx)
	require.NoError(t, err)
	assert.Empty(t, models)

	// An empty catalog is still a valid computation, so a failed refresh
	// serves it instead of surfacing the error.
	reg.MarkStale()
	source.fail = true
	models, err = reg.Models(ctx)
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestModelsErrorWithoutSnapshot(t *testing.T) {
	source := newCountingSource(t, `[]`)
	source.fail = true
	reg := NewModelRegistry(source)

	_, err := reg.Models(context.Background())
	assert.Error(t, err)
}
