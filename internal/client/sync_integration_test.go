package client_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/client"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/database"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/diagnostics"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/replication"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type syncServer struct {
	url         string
	issuer      *auth.TokenIssuer
	diagnostics *diagnostics.Service
}

func startSyncServer(t *testing.T) syncServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tempDir := t.TempDir()

	db, err := database.OpenProjection(database.Config{Driver: database.DriverSQLite, DSN: filepath.Join(tempDir, "projection.db")}, zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	txLedger, err := ledger.Open(context.Background(), ledger.Config{Path: filepath.Join(tempDir, "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = txLedger.Close() })

	syncService, err := replication.NewService(replication.ServiceConfig{
		Database:   db,
		Ledger:     txLedger,
		IDProvider: replication.NewUUIDProvider(),
	})
	require.NoError(t, err)
	diagnosticsService, err := diagnostics.NewService(diagnostics.ServiceConfig{Database: db, Ledger: txLedger, Interval: time.Minute})
	require.NoError(t, err)

	secret := []byte("agent-secret")
	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{SigningSecret: secret, Issuer: "ledgersync"})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: secret, Issuer: "ledgersync"})
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: validator,
		SyncService:    syncService,
		Diagnostics:    diagnosticsService,
		Ledger:         txLedger,
	})
	require.NoError(t, err)

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return syncServer{url: testServer.URL, issuer: issuer, diagnostics: diagnosticsService}
}

func newNode(t *testing.T, srv syncServer, clientID string) (*client.Manager, *client.Store) {
	t.Helper()
	token, _, err := srv.issuer.IssueToken(context.Background(), clientID+"-agent", clientID, ledger.RoleUser)
	require.NoError(t, err)

	store, err := client.OpenStore(filepath.Join(t.TempDir(), clientID+".bolt"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	manager, err := client.NewManager(client.ManagerConfig{
		Store:     store,
		API:       client.NewHTTPClient(nil),
		Endpoints: client.StaticEndpoint{BaseURL: srv.url + "/", Token: token},
		ClientID:  clientID,
	})
	require.NoError(t, err)
	return manager, store
}

func TestNodesConvergeThroughServer(t *testing.T) {
	ctx := context.Background()
	srv := startSyncServer(t)
	deskOne, deskOneStore := newNode(t, srv, "desk-1")
	deskTwo, deskTwoStore := newNode(t, srv, "desk-2")

	require.NoError(t, deskOneStore.SaveLocal(ctx, "equipment", schema.Row{"id": "E1", "name": "press"}))
	require.NoError(t, deskOneStore.SaveLocal(ctx, "parts", schema.Row{"id": "P1", "name": "bolt", "equipment_id": "E1"}))

	first := deskOne.SyncNow(ctx)
	require.NoError(t, first.Err)
	assert.Equal(t, 2, first.Pushed)
	assert.Equal(t, 2, first.Accepted)
	assert.True(t, first.Reported)

	second := deskTwo.SyncNow(ctx)
	require.NoError(t, second.Err)
	assert.Equal(t, 2, second.Merged)

	part, err := deskTwoStore.Get(ctx, "parts", "P1")
	require.NoError(t, err)
	assert.Equal(t, client.StatusSynced, part.Status)
	assert.Equal(t, "E1", part.Row["equipment_id"])

	report, err := srv.diagnostics.Consistency(ctx)
	require.NoError(t, err)
	require.Len(t, report.Clients, 2)
	for _, clientDiff := range report.Clients {
		assert.Equal(t, diagnostics.StatusOK, clientDiff.Status, clientDiff.ClientID)
	}
	assert.Equal(t, diagnostics.StatusOK, report.Status)
}

func TestRowsPushedWithoutTimestampConverge(t *testing.T) {
	ctx := context.Background()
	srv := startSyncServer(t)
	deskOne, deskOneStore := newNode(t, srv, "desk-1")

	token, _, err := srv.issuer.IssueToken(ctx, "ops", "ops", ledger.RoleAdmin)
	require.NoError(t, err)
	pushed, err := client.NewHTTPClient(nil).Push(ctx, client.Endpoint{BaseURL: srv.url, Token: token}, replication.Batch{
		ClientID: "importer",
		Upserts: []replication.TablePack{{Table: "equipment", Rows: []schema.Row{
			{"id": "E1", "name": "press"},
			{"id": "E2", "name": "lathe", "updated_at": "2024-04-01T00:00:00.000Z"},
		}}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, pushed.DBApplied)

	result := deskOne.SyncNow(ctx)
	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Merged)
	assert.True(t, result.Reported)

	row, err := deskOneStore.Get(ctx, "equipment", "E1")
	require.NoError(t, err)
	assert.Positive(t, row.UpdatedAt)

	report, err := srv.diagnostics.Consistency(ctx)
	require.NoError(t, err)
	require.Len(t, report.Clients, 1)
	assert.Equal(t, diagnostics.StatusOK, report.Clients[0].Status)
	assert.Equal(t, diagnostics.StatusOK, report.Clients[0].Tables["equipment"].Status)
}

func TestStaleEditIsMarkedConflicted(t *testing.T) {
	ctx := context.Background()
	srv := startSyncServer(t)
	deskOne, deskOneStore := newNode(t, srv, "desk-1")
	deskTwo, deskTwoStore := newNode(t, srv, "desk-2")

	require.NoError(t, deskOneStore.SaveLocal(ctx, "employees", schema.Row{"id": "M1", "full_name": "Ada"}))
	require.NoError(t, deskOne.SyncNow(ctx).Err)
	require.NoError(t, deskTwo.SyncNow(ctx).Err)

	require.NoError(t, deskOneStore.SaveLocal(ctx, "employees", schema.Row{"id": "M1", "full_name": "Ada Lovelace"}))
	require.NoError(t, deskOne.SyncNow(ctx).Err)

	// desk-2 edits without having pulled desk-1's rename.
	require.NoError(t, deskTwoStore.SaveLocal(ctx, "employees", schema.Row{"id": "M1", "full_name": "A. Lovelace"}))
	result := deskTwo.SyncNow(ctx)
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Rejected)

	row, err := deskTwoStore.Get(ctx, "employees", "M1")
	require.NoError(t, err)
	assert.Equal(t, client.StatusFailed, row.Status)
	assert.Contains(t, row.Reason, replication.ReasonSyncConflict)
	assert.Equal(t, "A. Lovelace", row.Row["full_name"])
}

func TestUnauthorizedNodeFailsCycle(t *testing.T) {
	ctx := context.Background()
	srv := startSyncServer(t)
	store, err := client.OpenStore(filepath.Join(t.TempDir(), "rogue.bolt"), nil)
	require.NoError(t, err)
	defer store.Close()

	manager, err := client.NewManager(client.ManagerConfig{
		Store:     store,
		API:       client.NewHTTPClient(nil),
		Endpoints: client.StaticEndpoint{BaseURL: srv.url, Token: "forged"},
		ClientID:  "rogue",
	})
	require.NoError(t, err)

	result := manager.SyncNow(ctx)
	var statusErr *client.StatusError
	require.ErrorAs(t, result.Err, &statusErr)
	assert.Equal(t, 401, statusErr.StatusCode)
	assert.NotErrorIs(t, result.Err, client.ErrTransport)
	assert.Equal(t, client.StateError, manager.State())
}
