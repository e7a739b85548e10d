// Package sync implements the reconciliation engine that keeps the local
// provider store and the proxy's remote provider list in agreement. The
// local store is authoritative: every operation commits locally first and
// then performs a read-modify-write merge against the remote document.
// Remote failures downgrade to a failed sync outcome instead of reverting
// the local commit; the caller can retry the sync idempotently.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/proxy"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/store"
)

// Outcome reports whether the remote merge that accompanied a local commit
// succeeded. It is transient and never persisted.
type Outcome struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func okOutcome() Outcome { return Outcome{OK: true} }

func failedOutcome(err error) Outcome {
	return Outcome{OK: false, Reason: err.Error()}
}

// Gateway is the remote document store the engine reconciles against.
type Gateway interface {
	FetchProviderList(ctx context.Context) (*proxy.ProviderList, error)
	PutProviderList(ctx context.Context, raw []byte) error
}

// CacheInvalidator receives a signal whenever the remote provider list
// changed and cached model computations went stale.
type CacheInvalidator interface {
	MarkStale()
}

// Engine orchestrates local transactions and remote merges.
type Engine struct {
	store   *store.Store
	gateway Gateway
	cache   CacheInvalidator
}

// NewEngine builds a reconciliation engine. cache may be nil.
func NewEngine(st *store.Store, gateway Gateway, cache CacheInvalidator) *Engine {
	return &Engine{store: st, gateway: gateway, cache: cache}
}

// CreateInput carries the fields for a new provider. Secret is the raw
// upstream credential; it is written to the remote entry and only its hash
// is kept locally.
type CreateInput struct {
	OwnerUserID       string
	ExternalID        string
	DisplayName       string
	BaseURL           string
	Secret            string
	RoutingPrefix     string
	EgressProxyURL    string
	ExtraHeaders      map[string]string
	ModelMappings     []store.ModelMapping
	ExclusionPatterns []string
}

// UpdateInput carries a partial provider update. Nil fields are left
// unchanged; supplied model mappings and exclusion patterns fully replace
// the existing lists.
type UpdateInput struct {
	DisplayName       *string
	BaseURL           *string
	Secret            *string
	RoutingPrefix     *string
	EgressProxyURL    *string
	ExtraHeaders      map[string]string
	ModelMappings     []store.ModelMapping
	ExclusionPatterns *[]string
}

// Create validates the input, commits the record locally, and merges a new
// entry into the remote provider list.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*store.ProviderRecord, Outcome, error) {
	if err := validateCreate(in); err != nil {
		return nil, Outcome{}, err
	}

	credentialHash, err := hashCredential(in.Secret)
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("hash credential: %w", err)
	}

	existing, err := e.store.ListProvidersByOwner(ctx, in.OwnerUserID)
	if err != nil {
		return nil, Outcome{}, err
	}

	rec := &store.ProviderRecord{
		ID:                uuid.NewString(),
		OwnerUserID:       in.OwnerUserID,
		ExternalID:        strings.TrimSpace(in.ExternalID),
		DisplayName:       strings.TrimSpace(in.DisplayName),
		BaseURL:           strings.TrimSpace(in.BaseURL),
		CredentialHash:    credentialHash,
		RoutingPrefix:     strings.TrimSpace(in.RoutingPrefix),
		EgressProxyURL:    strings.TrimSpace(in.EgressProxyURL),
		ExtraHeaders:      in.ExtraHeaders,
		ModelMappings:     in.ModelMappings,
		ExclusionPatterns: in.ExclusionPatterns,
		SortOrder:         len(existing),
	}

	if err = e.store.CreateProvider(ctx, rec); err != nil {
		return nil, Outcome{}, err
	}

	outcome := e.pushEntry(ctx, rec, []proxy.KeyEntry{{APIKey: in.Secret, ProxyURL: rec.EgressProxyURL}})
	return rec, outcome, nil
}

// Update applies a partial update to the caller's provider and merges the
// refreshed entry into the remote list, preserving the remote secret when
// the caller supplied none.
func (e *Engine) Update(ctx context.Context, ownerUserID, id string, in UpdateInput) (*store.ProviderRecord, Outcome, error) {
	rec, err := e.ownedProvider(ctx, ownerUserID, id)
	if err != nil {
		return nil, Outcome{}, err
	}

	if in.DisplayName != nil {
		if strings.TrimSpace(*in.DisplayName) == "" {
			return nil, Outcome{}, fmt.Errorf("%w: display name must not be empty", ErrValidation)
		}
		rec.DisplayName = strings.TrimSpace(*in.DisplayName)
	}
	if in.BaseURL != nil {
		if strings.TrimSpace(*in.BaseURL) == "" {
			return nil, Outcome{}, fmt.Errorf("%w: base url must not be empty", ErrValidation)
		}
		rec.BaseURL = strings.TrimSpace(*in.BaseURL)
	}
	if in.RoutingPrefix != nil {
		rec.RoutingPrefix = strings.TrimSpace(*in.RoutingPrefix)
	}
	if in.EgressProxyURL != nil {
		rec.EgressProxyURL = strings.TrimSpace(*in.EgressProxyURL)
	}
	if in.ExtraHeaders != nil {
		rec.ExtraHeaders = in.ExtraHeaders
	}
	replaceModels := false
	if in.ModelMappings != nil {
		if len(in.ModelMappings) == 0 {
			return nil, Outcome{}, fmt.Errorf("%w: model mappings must not be empty", ErrValidation)
		}
		rec.ModelMappings = in.ModelMappings
		replaceModels = true
	}
	if in.ExclusionPatterns != nil {
		rec.ExclusionPatterns = *in.ExclusionPatterns
	}
	if in.Secret != nil {
		if strings.TrimSpace(*in.Secret) == "" {
			return nil, Outcome{}, fmt.Errorf("%w: secret must not be empty", ErrValidation)
		}
		hash, errHash := hashCredential(*in.Secret)
		if errHash != nil {
			return nil, Outcome{}, fmt.Errorf("hash credential: %w", errHash)
		}
		rec.CredentialHash = hash
	}

	if err = e.store.UpdateProvider(ctx, rec, replaceModels); err != nil {
		return nil, Outcome{}, err
	}

	// The local store never retains the raw secret, so when the caller
	// supplied none, the current remote entry is the source of truth.
	var keyEntries []proxy.KeyEntry
	if in.Secret != nil {
		keyEntries = []proxy.KeyEntry{{APIKey: *in.Secret, ProxyURL: rec.EgressProxyURL}}
		return rec, e.pushEntry(ctx, rec, keyEntries), nil
	}
	return rec, e.pushEntryPreservingSecret(ctx, rec), nil
}

// Delete removes the local record and filters the matching entry out of the
// remote list.
func (e *Engine) Delete(ctx context.Context, ownerUserID, id string) (Outcome, error) {
	rec, err := e.ownedProvider(ctx, ownerUserID, id)
	if err != nil {
		return Outcome{}, err
	}

	if err = e.store.DeleteProvider(ctx, rec.ID); err != nil {
		return Outcome{}, err
	}

	list, err := e.gateway.FetchProviderList(ctx)
	if err != nil {
		return failedOutcome(err), nil
	}
	merged, present, err := removeEntry(list, rec.ExternalID)
	if err != nil {
		return failedOutcome(err), nil
	}
	if !present {
		// Already gone remotely; nothing to write.
		return okOutcome(), nil
	}
	if err = e.gateway.PutProviderList(ctx, merged); err != nil {
		return failedOutcome(err), nil
	}
	e.invalidate()
	return okOutcome(), nil
}

// Reorder assigns local sort order by position and rewrites the remote list
// with the caller's entries first, in the requested order, followed by all
// remaining entries in their original relative order.
func (e *Engine) Reorder(ctx context.Context, ownerUserID string, orderedIDs []string) ([]*store.ProviderRecord, Outcome, error) {
	if len(orderedIDs) == 0 {
		return nil, Outcome{}, fmt.Errorf("%w: ordered ids must not be empty", ErrValidation)
	}
	seen := make(map[string]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if seen[id] {
			return nil, Outcome{}, fmt.Errorf("%w: duplicate id %q", ErrValidation, id)
		}
		seen[id] = true
	}

	owned, err := e.store.ListProvidersByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, Outcome{}, err
	}
	byID := make(map[string]*store.ProviderRecord, len(owned))
	for _, rec := range owned {
		byID[rec.ID] = rec
	}
	orderedNames := make([]string, 0, len(orderedIDs))
	for _, id := range orderedIDs {
		rec, ok := byID[id]
		if !ok {
			return nil, Outcome{}, ErrAccessDenied
		}
		orderedNames = append(orderedNames, rec.ExternalID)
	}

	if err = e.store.ReorderProviders(ctx, ownerUserID, orderedIDs); err != nil {
		return nil, Outcome{}, err
	}

	records, err := e.store.ListProvidersByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, Outcome{}, err
	}

	list, err := e.gateway.FetchProviderList(ctx)
	if err != nil {
		return records, failedOutcome(err), nil
	}
	merged := reorderEntries(list, orderedNames)
	if err = e.gateway.PutProviderList(ctx, merged); err != nil {
		return records, failedOutcome(err), nil
	}
	e.invalidate()
	return records, okOutcome(), nil
}

// ownedProvider loads a record and enforces caller ownership.
func (e *Engine) ownedProvider(ctx context.Context, ownerUserID, id string) (*store.ProviderRecord, error) {
	rec, err := e.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerUserID != ownerUserID {
		return nil, ErrAccessDenied
	}
	return rec, nil
}

// pushEntry merges the record into the remote list using the given key
// entries. Always re-fetches before writing; the remote store has no
// version token, so concurrent writers resolve last-write-wins.
func (e *Engine) pushEntry(ctx context.Context, rec *store.ProviderRecord, keyEntries []proxy.KeyEntry) Outcome {
	list, err := e.gateway.FetchProviderList(ctx)
	if err != nil {
		return failedOutcome(err)
	}
	return e.mergeAndPut(ctx, list, rec, keyEntries)
}

// pushEntryPreservingSecret is pushEntry for updates without a new secret:
// the current remote key entries are carried over verbatim.
func (e *Engine) pushEntryPreservingSecret(ctx context.Context, rec *store.ProviderRecord) Outcome {
	list, err := e.gateway.FetchProviderList(ctx)
	if err != nil {
		return failedOutcome(err)
	}
	var keyEntries []proxy.KeyEntry
	if idx := list.IndexByName(rec.ExternalID); idx >= 0 {
		keyEntries = list.Entries[idx].KeyEntries
	}
	return e.mergeAndPut(ctx, list, rec, keyEntries)
}

func (e *Engine) mergeAndPut(ctx context.Context, list *proxy.ProviderList, rec *store.ProviderRecord, keyEntries []proxy.KeyEntry) Outcome {
	entryJSON, err := json.Marshal(remoteEntry(rec, keyEntries))
	if err != nil {
		return failedOutcome(fmt.Errorf("encode provider entry: %w", err))
	}
	merged, err := upsertEntry(list, rec.ExternalID, entryJSON)
	if err != nil {
		return failedOutcome(err)
	}
	if err = e.gateway.PutProviderList(ctx, merged); err != nil {
		log.WithError(err).Warnf("remote sync failed for provider %s; local state committed", rec.ExternalID)
		return failedOutcome(err)
	}
	e.invalidate()
	return okOutcome()
}

func (e *Engine) invalidate() {
	if e.cache != nil {
		e.cache.MarkStale()
	}
}

// remoteEntry builds the wire entry for a record. Models mirror the local
// mapping order.
func remoteEntry(rec *store.ProviderRecord, keyEntries []proxy.KeyEntry) proxy.Entry {
	models := make([]proxy.Model, 0, len(rec.ModelMappings))
	for _, m := range rec.ModelMappings {
		models = append(models, proxy.Model{Name: m.UpstreamName, Alias: m.Alias})
	}
	return proxy.Entry{
		Name:           rec.ExternalID,
		Prefix:         rec.RoutingPrefix,
		BaseURL:        rec.BaseURL,
		KeyEntries:     keyEntries,
		Models:         models,
		ExcludedModels: rec.ExclusionPatterns,
		Headers:        rec.ExtraHeaders,
	}
}

func validateCreate(in CreateInput) error {
	if strings.TrimSpace(in.OwnerUserID) == "" {
		return fmt.Errorf("%w: owner user id is required", ErrValidation)
	}
	if strings.TrimSpace(in.ExternalID) == "" {
		return fmt.Errorf("%w: external id is required", ErrValidation)
	}
	if strings.TrimSpace(in.DisplayName) == "" {
		return fmt.Errorf("%w: display name is required", ErrValidation)
	}
	if strings.TrimSpace(in.BaseURL) == "" {
		return fmt.Errorf("%w: base url is required", ErrValidation)
	}
	if strings.TrimSpace(in.Secret) == "" {
		return fmt.Errorf("%w: secret is required", ErrValidation)
	}
	if len(in.ModelMappings) == 0 {
		return fmt.Errorf("%w: at least one model mapping is required", ErrValidation)
	}
	for _, m := range in.ModelMappings {
		if strings.TrimSpace(m.UpstreamName) == "" || strings.TrimSpace(m.Alias) == "" {
			return fmt.Errorf("%w: model mappings need both upstream name and alias", ErrValidation)
		}
	}
	return nil
}

func hashCredential(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
