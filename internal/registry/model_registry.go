// Package registry maintains the catalog of models the proxy can serve,
// derived from the remote provider list. The catalog is computed lazily and
// cached; reconciliation marks it stale whenever the provider list changes,
// so the next read recomputes from the proxy instead of serving old data.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/proxy"
)

// ModelInfo represents one served model in OpenAI listing shape.
type ModelInfo struct {
	// ID is the routed model identifier, including the provider prefix when
	// the entry declares one.
	ID string `json:"id"`
	// Object type for the model (always "model").
	Object string `json:"object"`
	// Created is the unix timestamp of the catalog computation.
	Created int64 `json:"created"`
	// OwnedBy names the provider entry serving the model.
	OwnedBy string `json:"owned_by"`
	// Upstream is the provider-native model name behind the alias.
	Upstream string `json:"upstream,omitempty"`
}

// ListSource fetches the remote provider list the catalog derives from.
type ListSource interface {
	FetchProviderList(ctx context.Context) (*proxy.ProviderList, error)
}

// ModelRegistry caches the served-model catalog.
type ModelRegistry struct {
	source ListSource

	stale atomic.Bool

	mutex    sync.RWMutex
	snapshot []ModelInfo
	computed time.Time
}

// NewModelRegistry returns a registry whose first read recomputes.
func NewModelRegistry(source ListSource) *ModelRegistry {
	r := &ModelRegistry{source: source}
	r.stale.Store(true)
	return r
}

// MarkStale flags the cached catalog for recomputation on the next read.
func (r *ModelRegistry) MarkStale() {
	r.stale.Store(true)
}

// Models returns the served-model catalog, recomputing it from the remote
// provider list when the cache is stale. When recomputation fails and a
// previous snapshot exists, the snapshot is served and the stale flag kept
// so a later read retries.
func (r *ModelRegistry) Models(ctx context.Context) ([]ModelInfo, error) {
	if !r.stale.Load() {
		return r.copySnapshot(), nil
	}

	list, err := r.source.FetchProviderList(ctx)
	if err != nil {
		r.mutex.RLock()
		stale := r.snapshot
		haveSnapshot := !r.computed.IsZero()
		r.mutex.RUnlock()
		if haveSnapshot {
			log.WithError(err).Warn("model catalog refresh failed, serving previous snapshot")
			return append([]ModelInfo(nil), stale...), nil
		}
		return nil, err
	}

	models := compute(list, time.Now().Unix())
	r.mutex.Lock()
	r.snapshot = models
	r.computed = time.Now()
	r.mutex.Unlock()
	r.stale.Store(false)
	return append([]ModelInfo(nil), models...), nil
}

func (r *ModelRegistry) copySnapshot() []ModelInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]ModelInfo(nil), r.snapshot...)
}

// compute flattens provider entries into the served catalog: every alias,
// prefixed when the entry declares a prefix, minus excluded models.
func compute(list *proxy.ProviderList, created int64) []ModelInfo {
	var models []ModelInfo
	seen := make(map[string]bool)
	for _, entry := range list.Entries {
		for _, m := range entry.Models {
			alias := m.Alias
			if alias == "" {
				alias = m.Name
			}
			if alias == "" || excluded(entry.ExcludedModels, alias, m.Name) {
				continue
			}
			id := alias
			if entry.Prefix != "" {
				id = entry.Prefix + "/" + alias
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			models = append(models, ModelInfo{
				ID:       id,
				Object:   "model",
				Created:  created,
				OwnedBy:  entry.Name,
				Upstream: m.Name,
			})
		}
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models
}

// excluded matches an alias or upstream name against exclusion patterns.
// A trailing "*" makes a pattern a prefix match.
func excluded(patterns []string, alias, upstream string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			prefix := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(alias, prefix) || strings.HasPrefix(upstream, prefix) {
				return true
			}
			continue
		}
		if strings.EqualFold(p, alias) || strings.EqualFold(p, upstream) {
			return true
		}
	}
	return false
}
