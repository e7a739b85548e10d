package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OwnershipRecord associates one externally-created OAuth credential file
// with the dashboard user who claimed it. AccountName is the natural key;
// the primary-key constraint on it is the claim arbiter.
type OwnershipRecord struct {
	OwnerUserID  string    `json:"ownerUserId"`
	Provider     string    `json:"provider"`
	AccountName  string    `json:"accountName"`
	AccountEmail string    `json:"accountEmail,omitempty"`
	ClaimedAt    time.Time `json:"claimedAt"`
}

// ClaimAccount inserts an ownership record. A unique violation on the
// account name means another claimant won the race and is reported as
// ErrAccountClaimed; callers treat that as a benign outcome.
func (s *Store) ClaimAccount(ctx context.Context, rec *OwnershipRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.AccountName) == "" {
		return fmt.Errorf("account name is required")
	}
	if strings.TrimSpace(rec.OwnerUserID) == "" {
		return fmt.Errorf("owner user id is required")
	}
	if strings.TrimSpace(rec.Provider) == "" {
		return fmt.Errorf("provider is required")
	}

	rec.ClaimedAt = time.Now().UTC()

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO oauth_accounts (account_name, owner_user_id, provider, account_email, claimed_at)
VALUES (?, ?, ?, ?, ?)
`, rec.AccountName, rec.OwnerUserID, rec.Provider, rec.AccountEmail, toMillis(rec.ClaimedAt))
	if err != nil {
		if isUniqueViolation(err, "account_name") {
			return ErrAccountClaimed
		}
		return fmt.Errorf("claim account: %w", err)
	}
	return nil
}

// GetAccount fetches an ownership record by account name.
func (s *Store) GetAccount(ctx context.Context, accountName string) (*OwnershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT account_name, owner_user_id, provider, account_email, claimed_at
FROM oauth_accounts WHERE account_name = ?
`, accountName)

	rec, err := scanOwnershipRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return rec, nil
}

// ListAccountsByOwner returns every account the user has claimed, newest first.
func (s *Store) ListAccountsByOwner(ctx context.Context, ownerUserID string) ([]*OwnershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT account_name, owner_user_id, provider, account_email, claimed_at
FROM oauth_accounts
WHERE owner_user_id = ?
ORDER BY claimed_at DESC
`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*OwnershipRecord
	for rows.Next() {
		rec, errScan := scanOwnershipRow(rows)
		if errScan != nil {
			return nil, fmt.Errorf("list accounts: %w", errScan)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return records, nil
}

// DeleteAccount removes an ownership record. Only used by explicit account
// removal; claims themselves are never updated in place.
func (s *Store) DeleteAccount(ctx context.Context, ownerUserID, accountName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM oauth_accounts WHERE account_name = ? AND owner_user_id = ?
`, accountName, ownerUserID)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func scanOwnershipRow(row rowScanner) (*OwnershipRecord, error) {
	var (
		rec       OwnershipRecord
		claimedAt int64
	)
	if err := row.Scan(&rec.AccountName, &rec.OwnerUserID, &rec.Provider, &rec.AccountEmail, &claimedAt); err != nil {
		return nil, err
	}
	rec.ClaimedAt = fromMillis(claimedAt)
	return &rec, nil
}
