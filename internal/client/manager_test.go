package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/diagnostics"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/replication"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	pushFn    func(batch replication.Batch) (replication.PushResult, error)
	pages     []replication.PullResult
	pullErr   error
	reportErr error
	pushes    []replication.Batch
	pulls     []int64
	reports   []diagnostics.Snapshot
	release   chan struct{}
	entered   chan struct{}
}

func (f *fakeAPI) Push(_ context.Context, _ Endpoint, batch replication.Batch) (replication.PushResult, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, batch)
	if f.pushFn == nil {
		return acceptAll(batch), nil
	}
	return f.pushFn(batch)
}

func (f *fakeAPI) Pull(_ context.Context, _ Endpoint, since int64, _ int) (replication.PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, since)
	if f.pullErr != nil {
		return replication.PullResult{}, f.pullErr
	}
	if len(f.pages) == 0 {
		return replication.PullResult{ServerCursor: since}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeAPI) Report(_ context.Context, _ Endpoint, snapshot diagnostics.Snapshot) (diagnostics.ReportReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportErr != nil {
		return diagnostics.ReportReceipt{}, f.reportErr
	}
	f.reports = append(f.reports, snapshot)
	return diagnostics.ReportReceipt{OK: true, ClientID: snapshot.ClientID}, nil
}

func acceptAll(batch replication.Batch) replication.PushResult {
	result := replication.PushResult{IDRemaps: map[string]map[string]string{}}
	seq := int64(100)
	for _, pack := range batch.Upserts {
		for _, row := range pack.Rows {
			seq++
			result.AppliedRows = append(result.AppliedRows, replication.AppliedRow{Table: pack.Table, RowID: row.ID(), ServerSeq: seq})
			result.DBApplied++
		}
	}
	return result
}

type managerFixture struct {
	manager *Manager
	store   *Store
	api     *fakeAPI
	now     *atomic.Int64
}

func newManagerFixture(t *testing.T, api *fakeAPI) managerFixture {
	t.Helper()
	now := &atomic.Int64{}
	now.Store(storeTestTime.UnixMilli())
	clock := func() time.Time { return time.UnixMilli(now.Load()).UTC() }

	store, err := OpenStore(t.TempDir()+"/agent.bolt", clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	manager, err := NewManager(ManagerConfig{
		Store:               store,
		API:                 api,
		Endpoints:           StaticEndpoint{BaseURL: "http://sync.invalid", Token: "token"},
		ClientID:            "desk-1",
		Clock:               clock,
		DiagnosticsInterval: 10 * time.Minute,
	})
	require.NoError(t, err)
	return managerFixture{manager: manager, store: store, api: api, now: now}
}

func TestNewManagerValidatesDependencies(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	require.ErrorIs(t, err, errMissingStore)

	store := newTestStore(t)
	_, err = NewManager(ManagerConfig{Store: store, API: &fakeAPI{}, Endpoints: StaticEndpoint{}})
	require.ErrorIs(t, err, errMissingClientID)
}

func TestSyncNowPushesPendingRowsAndMarksThemSynced(t *testing.T) {
	ctx := context.Background()
	fixture := newManagerFixture(t, &fakeAPI{})
	require.NoError(t, fixture.store.SaveLocal(ctx, "equipment", schema.Row{"id": "E1", "name": "press"}))

	result := fixture.manager.SyncNow(ctx)
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, 1, result.Accepted)
	assert.True(t, result.Activity())
	assert.Equal(t, StateIdle, fixture.manager.State())

	require.Len(t, fixture.api.pushes, 1)
	assert.Equal(t, "desk-1", fixture.api.pushes[0].ClientID)

	row, err := fixture.store.Get(ctx, "equipment", "E1")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, row.Status)
	assert.Equal(t, int64(101), row.LastServerSeq)

	second := fixture.manager.SyncNow(ctx)
	require.NoError(t, second.Err)
	assert.Zero(t, second.Pushed)
	assert.False(t, second.Activity())
	assert.Len(t, fixture.api.pushes, 1)
}

func TestSyncNowClassifiesSkippedRows(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{pushFn: func(batch replication.Batch) (replication.PushResult, error) {
		return replication.PushResult{
			IDRemaps: map[string]map[string]string{"equipment_contracts": {"local-7": "L1"}},
			Skipped: []replication.SkippedRow{
				{Table: "parts", RowID: "P1", Reason: replication.ReasonDependencyMissing},
				{Table: "equipment_contracts", RowID: "local-7", Reason: replication.ReasonDuplicateKey, CanonicalID: "L1"},
				{Table: "widgets", RowID: "W1", Reason: replication.ReasonSyncConflict, Detail: "server row changed"},
				{Table: "employees", RowID: "M1", Reason: replication.ReasonNotFound},
				{Table: "contracts", RowID: "C1", Reason: replication.ReasonInvalidRow},
			},
		}, nil
	}}
	fixture := newManagerFixture(t, api)
	store := fixture.store
	require.NoError(t, store.SaveLocal(ctx, "parts", schema.Row{"id": "P1", "name": "bolt", "equipment_id": "E404"}))
	require.NoError(t, store.SaveLocal(ctx, "equipment_contracts", schema.Row{"id": "local-7", "equipment_id": "E1", "contract_id": "C1"}))
	require.NoError(t, store.SaveLocal(ctx, "widgets", schema.Row{"id": "W1"}))
	require.NoError(t, store.SaveLocal(ctx, "employees", schema.Row{"id": "M1", "full_name": "Ada"}))
	require.NoError(t, store.SaveLocal(ctx, "contracts", schema.Row{"id": "C1", "number": "K-1"}))

	result := fixture.manager.SyncNow(ctx)
	require.NoError(t, result.Err)
	assert.Equal(t, 5, result.Pushed)
	assert.Equal(t, 1, result.Remapped)
	assert.Equal(t, 1, result.Deferred)
	assert.Equal(t, 3, result.Rejected)

	part, err := store.Get(ctx, "parts", "P1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, part.Status)

	_, err = store.Get(ctx, "equipment_contracts", "local-7")
	require.ErrorIs(t, err, ErrRowNotFound)

	widget, err := store.Get(ctx, "widgets", "W1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, widget.Status)
	assert.Equal(t, "sync_conflict: server row changed", widget.Reason)

	employee, err := store.Get(ctx, "employees", "M1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, employee.Status)

	packs, err := store.PendingPacks(ctx)
	require.NoError(t, err)
	require.Len(t, packs, 1)
	assert.Equal(t, "parts", packs[0].Table)
}

func TestDeferredRowsAreNotActivity(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{pushFn: func(batch replication.Batch) (replication.PushResult, error) {
		return replication.PushResult{Skipped: []replication.SkippedRow{
			{Table: "parts", RowID: "P1", Reason: replication.ReasonDependencyMissing},
		}}, nil
	}}
	fixture := newManagerFixture(t, api)
	require.NoError(t, fixture.store.SaveLocal(ctx, "parts", schema.Row{"id": "P1", "name": "bolt", "equipment_id": "E404"}))

	for range 2 {
		result := fixture.manager.SyncNow(ctx)
		require.NoError(t, result.Err)
		assert.Equal(t, 1, result.Pushed)
		assert.Equal(t, 1, result.Deferred)
		assert.False(t, result.Activity())
	}
}

func TestSyncNowPullsPagesAndPersistsCursor(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	for page := range 12 {
		seq := int64(page + 1)
		api.pages = append(api.pages, replication.PullResult{
			ServerCursor: seq,
			HasMore:      true,
			Changes: []replication.ChangeView{{
				Table: "widgets", RowID: fmt.Sprintf("W%d", seq), Op: "upsert", ServerSeq: seq,
				PayloadJSON: fmt.Sprintf(`{"id":"W%d"}`, seq),
			}},
		})
	}
	fixture := newManagerFixture(t, api)

	result := fixture.manager.SyncNow(ctx)
	require.NoError(t, result.Err)
	assert.Equal(t, defaultMaxPullPages, result.Pulled)
	assert.Equal(t, defaultMaxPullPages, result.Merged)
	assert.Equal(t, int64(10), result.Cursor)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, api.pulls)

	cursor, err := fixture.store.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cursor)

	next := fixture.manager.SyncNow(ctx)
	require.NoError(t, next.Err)
	assert.Equal(t, int64(10), api.pulls[10])
	assert.Equal(t, int64(12), next.Cursor)
}

func TestSyncNowTransportFailureEntersErrorState(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{pushFn: func(replication.Batch) (replication.PushResult, error) {
		return replication.PushResult{}, fmt.Errorf("push request failed: %w", ErrTransport)
	}}
	fixture := newManagerFixture(t, api)
	require.NoError(t, fixture.store.SaveLocal(ctx, "equipment", schema.Row{"id": "E1", "name": "press"}))

	result := fixture.manager.SyncNow(ctx)
	require.ErrorIs(t, result.Err, ErrTransport)
	assert.Equal(t, StateError, fixture.manager.State())
	assert.Empty(t, api.pulls)

	row, err := fixture.store.Get(ctx, "equipment", "E1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.Status)

	api.pushFn = nil
	require.NoError(t, fixture.manager.SyncNow(ctx).Err)
	assert.Equal(t, StateIdle, fixture.manager.State())
}

func TestSyncNowEndpointFailureAbortsCycle(t *testing.T) {
	ctx := context.Background()
	fixture := newManagerFixture(t, &fakeAPI{})
	fixture.manager.endpoints = EndpointSourceFunc(func(context.Context) (Endpoint, error) {
		return Endpoint{}, errors.New("config unreadable")
	})

	result := fixture.manager.SyncNow(ctx)
	require.ErrorContains(t, result.Err, "refresh endpoint")
	assert.Equal(t, StateError, fixture.manager.State())
}

func TestSyncNowWhileBusyReturnsLastResult(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{entered: make(chan struct{}), release: make(chan struct{})}
	fixture := newManagerFixture(t, api)
	require.NoError(t, fixture.store.SaveLocal(ctx, "equipment", schema.Row{"id": "E1", "name": "press"}))

	done := make(chan CycleResult, 1)
	go func() { done <- fixture.manager.SyncNow(ctx) }()
	<-api.entered

	assert.Equal(t, StateSyncing, fixture.manager.State())
	busy := fixture.manager.SyncNow(ctx)
	assert.True(t, busy.StartedAt.IsZero())

	close(api.release)
	first := <-done
	require.NoError(t, first.Err)
	assert.Equal(t, 1, first.Pushed)
	assert.Equal(t, first, fixture.manager.LastResult())
}

func TestSyncNowReportsDiagnosticsOncePerInterval(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	fixture := newManagerFixture(t, api)
	require.NoError(t, fixture.store.SaveLocal(ctx, "equipment", schema.Row{"id": "E1", "name": "press"}))

	first := fixture.manager.SyncNow(ctx)
	require.NoError(t, first.Err)
	assert.True(t, first.Reported)
	require.Len(t, api.reports, 1)
	snapshot := api.reports[0]
	assert.Equal(t, diagnostics.ScopeClient, snapshot.Scope)
	assert.Equal(t, "desk-1", snapshot.ClientID)
	assert.Equal(t, int64(1), snapshot.Tables["equipment"].Count)
	assert.Equal(t, int64(1), snapshot.EntityTypes["inventory"].Count)

	fixture.now.Add((5 * time.Minute).Milliseconds())
	assert.False(t, fixture.manager.SyncNow(ctx).Reported)

	fixture.now.Add((5 * time.Minute).Milliseconds())
	assert.True(t, fixture.manager.SyncNow(ctx).Reported)
	assert.Len(t, api.reports, 2)
}

func TestSyncNowReportFailureDoesNotFailCycle(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{reportErr: fmt.Errorf("%w: 429", ErrRateLimited)}
	fixture := newManagerFixture(t, api)

	result := fixture.manager.SyncNow(ctx)
	require.NoError(t, result.Err)
	assert.False(t, result.Reported)

	last, err := fixture.store.LastReportAt(ctx)
	require.NoError(t, err)
	assert.Equal(t, storeTestTime.UnixMilli(), last)
}
