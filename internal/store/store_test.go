package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "dashboard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleProvider(id, owner, externalID, displayName string) *ProviderRecord {
	return &ProviderRecord{
		ID:          id,
		OwnerUserID: owner,
		ExternalID:  externalID,
		DisplayName: displayName,
		BaseURL:     "https://api.example.com/v1",
		ModelMappings: []ModelMapping{
			{UpstreamName: "big-model-v2", Alias: "big"},
		},
	}
}

func TestCreateAndGetProvider(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := sampleProvider("p1", "alice", "alice-openrouter", "OpenRouter")
	rec.RoutingPrefix = "or"
	rec.EgressProxyURL = "socks5://127.0.0.1:1080"
	rec.ExtraHeaders = map[string]string{"X-Title": "dashboard"}
	rec.ExclusionPatterns = []string{"*-preview"}
	rec.ModelMappings = []ModelMapping{
		{UpstreamName: "big-model-v2", Alias: "big"},
		{UpstreamName: "small-model-v1", Alias: "small"},
	}
	require.NoError(t, st.CreateProvider(ctx, rec))

	got, err := st.GetProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerUserID)
	assert.Equal(t, "alice-openrouter", got.ExternalID)
	assert.Equal(t, "or", got.RoutingPrefix)
	assert.Equal(t, map[string]string{"X-Title": "dashboard"}, got.ExtraHeaders)
	assert.Equal(t, []string{"*-preview"}, got.ExclusionPatterns)
	require.Len(t, got.ModelMappings, 2)
	assert.Equal(t, "big", got.ModelMappings[0].Alias)
	assert.Equal(t, "small", got.ModelMappings[1].Alias)
	assert.False(t, got.CreatedAt.IsZero())

	byExternal, err := st.GetProviderByExternalID(ctx, "alice-openrouter")
	require.NoError(t, err)
	assert.Equal(t, got.ID, byExternal.ID)
}

func TestCreateProviderDuplicates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateProvider(ctx, sampleProvider("p1", "alice", "alice-openrouter", "OpenRouter")))

	err := st.CreateProvider(ctx, sampleProvider("p2", "bob", "alice-openrouter", "Bob's"))
	assert.ErrorIs(t, err, ErrDuplicateExternalID)

	err = st.CreateProvider(ctx, sampleProvider("p3", "alice", "alice-other", "OpenRouter"))
	assert.ErrorIs(t, err, ErrDuplicateDisplayName)

	// Same display name under a different owner is fine.
	require.NoError(t, st.CreateProvider(ctx, sampleProvider("p4", "bob", "bob-openrouter", "OpenRouter")))
}

func TestGetProviderNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetProvider(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestUpdateProvider(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := sampleProvider("p1", "alice", "alice-openrouter", "OpenRouter")
	require.NoError(t, st.CreateProvider(ctx, rec))

	rec.DisplayName = "OpenRouter EU"
	rec.BaseURL = "https://eu.example.com/v1"
	rec.ModelMappings = []ModelMapping{{UpstreamName: "eu-model", Alias: "eu"}}
	require.NoError(t, st.UpdateProvider(ctx, rec, true))

	got, err := st.GetProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "OpenRouter EU", got.DisplayName)
	assert.Equal(t, "https://eu.example.com/v1", got.BaseURL)
	require.Len(t, got.ModelMappings, 1)
	assert.Equal(t, "eu", got.ModelMappings[0].Alias)

	// replaceModels=false keeps the mapping rows.
	got.BaseURL = "https://eu2.example.com/v1"
	require.NoError(t, st.UpdateProvider(ctx, got, false))
	again, err := st.GetProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "https://eu2.example.com/v1", again.BaseURL)
	require.Len(t, again.ModelMappings, 1)

	missing := sampleProvider("ghost", "alice", "ghost", "Ghost")
	assert.ErrorIs(t, st.UpdateProvider(ctx, missing, false), ErrProviderNotFound)
}

func TestDeleteProvider(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateProvider(ctx, sampleProvider("p1", "alice", "alice-openrouter", "OpenRouter")))
	require.NoError(t, st.DeleteProvider(ctx, "p1"))

	_, err := st.GetProvider(ctx, "p1")
	assert.ErrorIs(t, err, ErrProviderNotFound)
	assert.ErrorIs(t, st.DeleteProvider(ctx, "p1"), ErrProviderNotFound)
}

func TestDeleteProviderCascadesAcrossPool(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateProvider(ctx, sampleProvider("p1", "alice", "alice-openrouter", "OpenRouter")))

	// Pin a few pooled connections so the delete runs on a fresh one;
	// the cascade must still remove the model mapping rows.
	var pinned []*sql.Conn
	for i := 0; i < 4; i++ {
		conn, err := st.sqlDB.Conn(ctx)
		require.NoError(t, err)
		pinned = append(pinned, conn)
	}

	require.NoError(t, st.DeleteProvider(ctx, "p1"))

	for _, conn := range pinned {
		require.NoError(t, conn.Close())
	}

	var orphans int
	require.NoError(t, st.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provider_models WHERE provider_id = ?`, "p1").Scan(&orphans))
	assert.Equal(t, 0, orphans)
}

func TestListProvidersByOwnerOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"First", "Second", "Third"} {
		rec := sampleProvider("p"+name, "alice", "alice-"+name, name)
		rec.SortOrder = i
		require.NoError(t, st.CreateProvider(ctx, rec))
	}
	require.NoError(t, st.CreateProvider(ctx, sampleProvider("pbob", "bob", "bob-entry", "Bob")))

	records, err := st.ListProvidersByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "First", records[0].DisplayName)
	assert.Equal(t, "Third", records[2].DisplayName)
}

func TestReorderProviders(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		rec := sampleProvider(id, "alice", "alice-"+id, "Provider "+id)
		rec.SortOrder = i
		require.NoError(t, st.CreateProvider(ctx, rec))
	}

	require.NoError(t, st.ReorderProviders(ctx, "alice", []string{"c", "a", "b"}))

	records, err := st.ListProvidersByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "c", records[0].ID)
	assert.Equal(t, "a", records[1].ID)
	assert.Equal(t, "b", records[2].ID)

	// Reordering an id the owner does not hold fails the transaction.
	err = st.ReorderProviders(ctx, "bob", []string{"a"})
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestClaimAccountExclusive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := &OwnershipRecord{
		OwnerUserID:  "alice",
		Provider:     "gemini",
		AccountName:  "gemini-alice@example.json",
		AccountEmail: "alice@example.com",
	}
	require.NoError(t, st.ClaimAccount(ctx, rec))
	assert.False(t, rec.ClaimedAt.IsZero())

	dup := &OwnershipRecord{OwnerUserID: "bob", Provider: "gemini", AccountName: "gemini-alice@example.json"}
	assert.ErrorIs(t, st.ClaimAccount(ctx, dup), ErrAccountClaimed)

	got, err := st.GetAccount(ctx, "gemini-alice@example.json")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerUserID)
}

func TestClaimAccountConcurrent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = st.ClaimAccount(ctx, &OwnershipRecord{
				OwnerUserID: "user-" + string(rune('a'+n)),
				Provider:    "codex",
				AccountName: "codex-shared.json",
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrAccountClaimed)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestListAndReleaseAccounts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.ClaimAccount(ctx, &OwnershipRecord{OwnerUserID: "alice", Provider: "gemini", AccountName: "one.json"}))
	require.NoError(t, st.ClaimAccount(ctx, &OwnershipRecord{OwnerUserID: "alice", Provider: "codex", AccountName: "two.json"}))
	require.NoError(t, st.ClaimAccount(ctx, &OwnershipRecord{OwnerUserID: "bob", Provider: "gemini", AccountName: "three.json"}))

	records, err := st.ListAccountsByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, st.DeleteAccount(ctx, "alice", "one.json"))
	assert.ErrorIs(t, st.DeleteAccount(ctx, "alice", "one.json"), ErrAccountNotFound)

	// A user cannot release someone else's claim.
	assert.ErrorIs(t, st.DeleteAccount(ctx, "alice", "three.json"), ErrAccountNotFound)
}
