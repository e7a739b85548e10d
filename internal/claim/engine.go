// Package claim implements the OAuth ownership claim flow. The proxy backend
// performs the actual token exchange and drops a credential file when it
// completes; this engine snapshots the file listing, optionally relays the
// authorization callback, and polls for the new file so it can be bound to
// exactly one dashboard user.
package claim

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/config"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/proxy"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/store"
)

// Status describes how a claim attempt ended.
type Status string

const (
	// StatusClaimed means a new credential file appeared and was bound to
	// the requesting user.
	StatusClaimed Status = "claimed"
	// StatusPending means the poll budget ran out before a new file
	// appeared. The exchange may still complete later; the caller can
	// retry the claim.
	StatusPending Status = "pending"
	// StatusRelayFailed means the proxy rejected the relayed authorization
	// callback. The upstream status code is forwarded verbatim.
	StatusRelayFailed Status = "relay-failed"
)

// ProxyAPI is the slice of the management client the engine needs.
type ProxyAPI interface {
	ListAuthFiles(ctx context.Context) ([]proxy.AuthFile, error)
	RelayCallback(ctx context.Context, provider, code, state string) (int, error)
}

// Request describes one claim attempt. Code and State are optional; when
// Code is set the callback is relayed to the proxy before polling begins.
// CorrelationToken, when set, narrows attribution to file names containing
// the token.
type Request struct {
	OwnerUserID      string
	Provider         string
	Code             string
	State            string
	CorrelationToken string
}

// Result is the terminal state of a claim attempt.
type Result struct {
	Status Status
	// UpstreamStatus is set for StatusRelayFailed.
	UpstreamStatus int
	// Account is set for StatusClaimed.
	Account *store.OwnershipRecord
}

// Engine drives claim attempts against the proxy and the ownership ledger.
type Engine struct {
	store *store.Store
	api   ProxyAPI
	cfg   config.OAuthConfig
}

func NewEngine(st *store.Store, api ProxyAPI, cfg config.OAuthConfig) *Engine {
	return &Engine{store: st, api: api, cfg: cfg}
}

// Claim runs one claim attempt to completion. The ctx bounds the whole
// attempt including the poll loop.
func (e *Engine) Claim(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.OwnerUserID) == "" {
		return nil, ErrMissingOwner
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		return nil, ErrMissingProvider
	}

	before, err := e.api.ListAuthFiles(ctx)
	if err != nil {
		return nil, err
	}
	beforeNames := make(map[string]bool, len(before))
	for _, f := range before {
		beforeNames[f.Name] = true
	}

	if req.Code != "" {
		status, errRelay := e.api.RelayCallback(ctx, provider, req.Code, req.State)
		if errRelay != nil {
			return nil, errRelay
		}
		if status < 200 || status >= 300 {
			log.Warnf("oauth callback relay for %s rejected with status %d", provider, status)
			return &Result{Status: StatusRelayFailed, UpstreamStatus: status}, nil
		}
	}

	attempts := e.cfg.AttemptBudget(provider)
	interval := e.cfg.PollIntervalOrDefault()
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval):
			}
		}

		files, errList := e.api.ListAuthFiles(ctx)
		if errList != nil {
			log.WithError(errList).Debug("credential listing failed, will retry")
			continue
		}
		for _, f := range files {
			if beforeNames[f.Name] {
				continue
			}
			if !attributedTo(f, provider) {
				continue
			}
			if req.CorrelationToken != "" && !strings.Contains(f.Name, req.CorrelationToken) {
				continue
			}
			rec, errClaim := e.bind(ctx, req.OwnerUserID, provider, f)
			if errClaim != nil {
				if errors.Is(errClaim, store.ErrAccountClaimed) {
					// Another claimant won the race for this file. That
					// means someone is already processing this account, so
					// stop here rather than grabbing the next candidate.
					log.Debugf("credential %s already claimed, stopping", f.Name)
					return &Result{Status: StatusPending}, nil
				}
				return nil, errClaim
			}
			return &Result{Status: StatusClaimed, Account: rec}, nil
		}
	}

	return &Result{Status: StatusPending}, nil
}

// bind records ownership of a credential file. The account_name primary key
// makes the insert the arbiter when concurrent claims race.
func (e *Engine) bind(ctx context.Context, ownerUserID, provider string, f proxy.AuthFile) (*store.OwnershipRecord, error) {
	rec := &store.OwnershipRecord{
		OwnerUserID:  ownerUserID,
		Provider:     provider,
		AccountName:  f.Name,
		AccountEmail: f.Email,
	}
	if err := e.store.ClaimAccount(ctx, rec); err != nil {
		return nil, err
	}
	log.Infof("claimed %s credential %s for user %s", provider, f.Name, ownerUserID)
	return rec, nil
}

// attributedTo reports whether a credential file belongs to the provider.
// The listing's type field is authoritative; the file name is the fallback
// for backends that do not label their files.
func attributedTo(f proxy.AuthFile, provider string) bool {
	if f.Type != "" {
		return strings.EqualFold(f.Type, provider)
	}
	return strings.Contains(strings.ToLower(f.Name), provider)
}
