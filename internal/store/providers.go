package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ModelMapping ties an upstream model name to the client-facing alias.
// Order is significant and preserved.
type ModelMapping struct {
	UpstreamName string `json:"upstreamName"`
	Alias        string `json:"alias"`
}

// ProviderRecord is the authoritative local description of one remote
// provider entry. ExternalID is the shared key with the proxy's provider
// list; the raw upstream secret is never persisted here, only its hash.
type ProviderRecord struct {
	ID                string            `json:"id"`
	OwnerUserID       string            `json:"ownerUserId"`
	ExternalID        string            `json:"externalId"`
	DisplayName       string            `json:"displayName"`
	BaseURL           string            `json:"baseUrl"`
	CredentialHash    string            `json:"-"`
	RoutingPrefix     string            `json:"routingPrefix,omitempty"`
	EgressProxyURL    string            `json:"egressProxyUrl,omitempty"`
	ExtraHeaders      map[string]string `json:"extraHeaders,omitempty"`
	ModelMappings     []ModelMapping    `json:"modelMappings"`
	ExclusionPatterns []string          `json:"exclusionPatterns,omitempty"`
	SortOrder         int               `json:"sortOrder"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

const providerColumns = `id, owner_user_id, external_id, display_name, base_url, credential_hash,
routing_prefix, egress_proxy_url, extra_headers, excluded_models, sort_order, created_at, updated_at`

// CreateProvider inserts the record and its model mapping rows in one
// transaction. Uniqueness violations are mapped to the duplicate sentinels.
func (s *Store) CreateProvider(ctx context.Context, rec *ProviderRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("provider id is required")
	}
	if strings.TrimSpace(rec.OwnerUserID) == "" {
		return fmt.Errorf("owner user id is required")
	}
	if strings.TrimSpace(rec.ExternalID) == "" {
		return fmt.Errorf("external id is required")
	}
	if len(rec.ModelMappings) == 0 {
		return fmt.Errorf("at least one model mapping is required")
	}

	headersJSON, err := encodeHeaders(rec.ExtraHeaders)
	if err != nil {
		return err
	}
	excludedJSON, err := encodeStrings(rec.ExclusionPatterns)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create provider: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO providers (`+providerColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		rec.ID, rec.OwnerUserID, rec.ExternalID, rec.DisplayName, rec.BaseURL,
		rec.CredentialHash, rec.RoutingPrefix, rec.EgressProxyURL,
		headersJSON, excludedJSON, rec.SortOrder,
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "external_id") {
			return ErrDuplicateExternalID
		}
		if isUniqueViolation(err, "display_name") {
			return ErrDuplicateDisplayName
		}
		return fmt.Errorf("insert provider: %w", err)
	}

	if err = insertModelMappings(ctx, tx, rec.ID, rec.ModelMappings); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create provider: %w", err)
	}
	return nil
}

// GetProvider fetches a provider record with its model mappings.
func (s *Store) GetProvider(ctx context.Context, id string) (*ProviderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+providerColumns+` FROM providers WHERE id = ?
`, id)
	rec, err := scanProviderRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("get provider: %w", err)
	}

	if rec.ModelMappings, err = s.modelMappings(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetProviderByExternalID fetches a provider record by its external id.
func (s *Store) GetProviderByExternalID(ctx context.Context, externalID string) (*ProviderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+providerColumns+` FROM providers WHERE external_id = ?
`, externalID)
	rec, err := scanProviderRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("get provider by external id: %w", err)
	}

	if rec.ModelMappings, err = s.modelMappings(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListProvidersByOwner returns the owner's providers ordered by sort order.
func (s *Store) ListProvidersByOwner(ctx context.Context, ownerUserID string) ([]*ProviderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+providerColumns+` FROM providers
WHERE owner_user_id = ?
ORDER BY sort_order, created_at
`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*ProviderRecord
	for rows.Next() {
		rec, errScan := scanProviderRow(rows)
		if errScan != nil {
			return nil, fmt.Errorf("list providers: %w", errScan)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	for _, rec := range records {
		if rec.ModelMappings, err = s.modelMappings(ctx, rec.ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// UpdateProvider rewrites the provider row and, when replaceModels is true,
// replaces the model mapping child rows with rec.ModelMappings. The whole
// update runs in one transaction.
func (s *Store) UpdateProvider(ctx context.Context, rec *ProviderRecord, replaceModels bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	headersJSON, err := encodeHeaders(rec.ExtraHeaders)
	if err != nil {
		return err
	}
	excludedJSON, err := encodeStrings(rec.ExclusionPatterns)
	if err != nil {
		return err
	}

	rec.UpdatedAt = time.Now().UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update provider: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE providers
SET display_name = ?, base_url = ?, credential_hash = ?, routing_prefix = ?,
    egress_proxy_url = ?, extra_headers = ?, excluded_models = ?, updated_at = ?
WHERE id = ?
`,
		rec.DisplayName, rec.BaseURL, rec.CredentialHash, rec.RoutingPrefix,
		rec.EgressProxyURL, headersJSON, excludedJSON, toMillis(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		if isUniqueViolation(err, "display_name") {
			return ErrDuplicateDisplayName
		}
		return fmt.Errorf("update provider: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	if affected == 0 {
		return ErrProviderNotFound
	}

	if replaceModels {
		if _, err = tx.ExecContext(ctx, `DELETE FROM provider_models WHERE provider_id = ?`, rec.ID); err != nil {
			return fmt.Errorf("clear model mappings: %w", err)
		}
		if err = insertModelMappings(ctx, tx, rec.ID, rec.ModelMappings); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit update provider: %w", err)
	}
	return nil
}

// DeleteProvider removes the record; model mapping rows cascade.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if affected == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// ReorderProviders assigns sort order by position within one transaction.
// Every id must belong to the owner; the caller validates set membership
// beforehand, this only guards against cross-owner writes.
func (s *Store) ReorderProviders(ctx context.Context, ownerUserID string, orderedIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	now := toMillis(time.Now().UTC())

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder providers: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for position, id := range orderedIDs {
		res, errExec := tx.ExecContext(ctx, `
UPDATE providers SET sort_order = ?, updated_at = ?
WHERE id = ? AND owner_user_id = ?
`, position, now, id, ownerUserID)
		if errExec != nil {
			return fmt.Errorf("reorder providers: %w", errExec)
		}
		affected, errAff := res.RowsAffected()
		if errAff != nil {
			return fmt.Errorf("reorder providers: %w", errAff)
		}
		if affected == 0 {
			return ErrProviderNotFound
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder providers: %w", err)
	}
	return nil
}

func insertModelMappings(ctx context.Context, tx *sql.Tx, providerID string, mappings []ModelMapping) error {
	for position, m := range mappings {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO provider_models (provider_id, position, upstream_name, alias)
VALUES (?, ?, ?, ?)
`, providerID, position, m.UpstreamName, m.Alias); err != nil {
			return fmt.Errorf("insert model mapping: %w", err)
		}
	}
	return nil
}

func (s *Store) modelMappings(ctx context.Context, providerID string) ([]ModelMapping, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT upstream_name, alias FROM provider_models
WHERE provider_id = ?
ORDER BY position
`, providerID)
	if err != nil {
		return nil, fmt.Errorf("load model mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var mappings []ModelMapping
	for rows.Next() {
		var m ModelMapping
		if err = rows.Scan(&m.UpstreamName, &m.Alias); err != nil {
			return nil, fmt.Errorf("scan model mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("load model mappings: %w", err)
	}
	return mappings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProviderRow(row rowScanner) (*ProviderRecord, error) {
	var (
		rec          ProviderRecord
		headersJSON  string
		excludedJSON string
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&rec.ID, &rec.OwnerUserID, &rec.ExternalID, &rec.DisplayName, &rec.BaseURL,
		&rec.CredentialHash, &rec.RoutingPrefix, &rec.EgressProxyURL,
		&headersJSON, &excludedJSON, &rec.SortOrder, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rec.ExtraHeaders, err = decodeHeaders(headersJSON); err != nil {
		return nil, err
	}
	if rec.ExclusionPatterns, err = decodeStrings(excludedJSON); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}
