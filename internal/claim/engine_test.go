package claim

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/config"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/proxy"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/store"
)

// scriptedAPI replays canned auth-file listings: each ListAuthFiles call
// advances to the next listing and the last one repeats.
type scriptedAPI struct {
	listings    [][]proxy.AuthFile
	listCalls   int
	relayStatus int
	relayErr    error
	relayCalls  int
}

func (s *scriptedAPI) ListAuthFiles(context.Context) ([]proxy.AuthFile, error) {
	idx := s.listCalls
	if idx >= len(s.listings) {
		idx = len(s.listings) - 1
	}
	s.listCalls++
	return s.listings[idx], nil
}

func (s *scriptedAPI) RelayCallback(context.Context, string, string, string) (int, error) {
	s.relayCalls++
	if s.relayErr != nil {
		return 0, s.relayErr
	}
	if s.relayStatus == 0 {
		return 200, nil
	}
	return s.relayStatus, nil
}

func fastConfig() config.OAuthConfig {
	return config.OAuthConfig{
		PollInterval: time.Millisecond,
		PollAttempts: 3,
	}
}

func newTestEngine(t *testing.T, api ProxyAPI) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "dashboard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewEngine(st, api, fastConfig()), st
}

func TestClaimBindsNewFile(t *testing.T) {
	api := &scriptedAPI{listings: [][]proxy.AuthFile{
		{{Name: "gemini-old.json", Type: "gemini", Email: "old@example.com"}},
		{
			{Name: "gemini-old.json", Type: "gemini", Email: "old@example.com"},
			{Name: "gemini-new.json", Type: "gemini", Email: "alice@example.com"},
		},
	}}
	engine, st := newTestEngine(t, api)

	result, err := engine.Claim(context.Background(), Request{
		OwnerUserID: "alice",
		Provider:    "gemini",
		Code:        "auth-code",
		State:       "xyz",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, result.Status)
	require.NotNil(t, result.Account)
	assert.Equal(t, "gemini-new.json", result.Account.AccountName)
	assert.Equal(t, "alice@example.com", result.Account.AccountEmail)
	assert.Equal(t, 1, api.relayCalls)

	got, err := st.GetAccount(context.Background(), "gemini-new.json")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerUserID)
}

func TestClaimPendingWhenNoFileAppears(t *testing.T) {
	api := &scriptedAPI{listings: [][]proxy.AuthFile{
		{{Name: "gemini-old.json", Type: "gemini"}},
	}}
	engine, _ := newTestEngine(t, api)

	result, err := engine.Claim(context.Background(), Request{OwnerUserID: "alice", Provider: "gemini"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, result.Status)
	// Snapshot listing plus one listing per poll attempt.
	assert.Equal(t, 1+3, api.listCalls)
}

func TestClaimRelayFailureForwardedVerbatim(t *testing.T) {
	api := &scriptedAPI{
		listings:    [][]proxy.AuthFile{{}},
		relayStatus: 401,
	}
	engine, _ := newTestEngine(t, api)

	result, err := engine.Claim(context.Background(), Request{
		OwnerUserID: "alice",
		Provider:    "codex",
		Code:        "bad-code",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRelayFailed, result.Status)
	assert.Equal(t, 401, result.UpstreamStatus)
	// Polling never starts after a rejected relay.
	assert.Equal(t, 1, api.listCalls)
}

func TestClaimIgnoresOtherProviders(t *testing.T) {
	api := &scriptedAPI{listings: [][]proxy.AuthFile{
		{},
		{{Name: "codex-new.json", Type: "codex"}},
	}}
	engine, _ := newTestEngine(t, api)

	result, err := engine.Claim(context.Background(), Request{OwnerUserID: "alice", Provider: "gemini"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, result.Status)
}

func TestClaimAttributesByNameWhenUntyped(t *testing.T) {
	api := &scriptedAPI{listings: [][]proxy.AuthFile{
		{},
		{{Name: "antigravity-session-1.json"}},
	}}
	engine, _ := newTestEngine(t, api)

	result, err := engine.Claim(context.Background(), Request{OwnerUserID: "alice", Provider: "antigravity"})
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, result.Status)
	assert.Equal(t, "antigravity-session-1.json", result.Account.AccountName)
}

func TestClaimCorrelationTokenNarrows(t *testing.T) {
	api := &scriptedAPI{listings: [][]proxy.AuthFile{
		{},
		{
			{Name: "gemini-other.json", Type: "gemini"},
			{Name: "gemini-token99.json", Type: "gemini"},
		},
	}}
	engine, _ := newTestEngine(t, api)

	result, err := engine.Claim(context.Background(), Request{
		OwnerUserID:      "alice",
		Provider:         "gemini",
		CorrelationToken: "token99",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, result.Status)
	assert.Equal(t, "gemini-token99.json", result.Account.AccountName)
}

func TestClaimLostRaceStopsBenignly(t *testing.T) {
	api := &scriptedAPI{listings: [][]proxy.AuthFile{
		{},
		{{Name: "gemini-contested.json", Type: "gemini"}},
	}}
	engine, st := newTestEngine(t, api)
	ctx := context.Background()

	require.NoError(t, st.ClaimAccount(ctx, &store.OwnershipRecord{
		OwnerUserID: "bob",
		Provider:    "gemini",
		AccountName: "gemini-contested.json",
	}))

	result, err := engine.Claim(ctx, Request{OwnerUserID: "alice", Provider: "gemini"})
	require.NoError(t, err)
	// Losing the race is benign: claim stops without error or a second record.
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, 2, api.listCalls)

	got, err := st.GetAccount(ctx, "gemini-contested.json")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.OwnerUserID)
}

func TestClaimValidation(t *testing.T) {
	engine, _ := newTestEngine(t, &scriptedAPI{listings: [][]proxy.AuthFile{{}}})

	_, err := engine.Claim(context.Background(), Request{Provider: "gemini"})
	assert.ErrorIs(t, err, ErrMissingOwner)

	_, err = engine.Claim(context.Background(), Request{OwnerUserID: "alice"})
	assert.ErrorIs(t, err, ErrMissingProvider)
}

func TestClaimCancelledContext(t *testing.T) {
	api := &scriptedAPI{listings: [][]proxy.AuthFile{{}}}
	engine, _ := newTestEngine(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Claim(ctx, Request{OwnerUserID: "alice", Provider: "gemini"})
	assert.ErrorIs(t, err, context.Canceled)
}
