package replication

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/database"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	adminActor = ledger.Actor{UserID: "admin-1", Username: "admin", Role: ledger.RoleAdmin}
	aliceActor = ledger.Actor{UserID: "alice", Username: "alice", Role: ledger.RoleUser}
	bobActor   = ledger.Actor{UserID: "bob", Username: "bob", Role: ledger.RoleUser}
	carolActor = ledger.Actor{UserID: "carol", Username: "carol", Role: ledger.RoleUser}
)

type testEnvironment struct {
	service *Service
	ledger  *ledger.Ledger
	db      *gorm.DB
}

func newTestEnvironment(t *testing.T) testEnvironment {
	t.Helper()
	return newTestEnvironmentWith(t, nil)
}

// newTestEnvironmentWith builds a service whose ledger may be wrapped, e.g. to inject failures.
func newTestEnvironmentWith(t *testing.T, wrap func(Ledger) Ledger) testEnvironment {
	t.Helper()
	tempDir := t.TempDir()

	db, err := database.OpenProjection(database.Config{Driver: database.DriverSQLite, DSN: filepath.Join(tempDir, "projection.db")}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open projection: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	txLedger, err := ledger.Open(context.Background(), ledger.Config{Path: filepath.Join(tempDir, "ledger.db")})
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { _ = txLedger.Close() })

	var serviceLedger Ledger = txLedger
	if wrap != nil {
		serviceLedger = wrap(txLedger)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Ledger:     serviceLedger,
		Clock:      func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return testEnvironment{service: service, ledger: txLedger, db: db}
}

func mustPush(t *testing.T, service *Service, batch Batch, actor ledger.Actor) PushResult {
	t.Helper()
	result, err := service.Push(context.Background(), batch, actor, Options{})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	return result
}

func pack(table string, rows ...schema.Row) TablePack {
	return TablePack{Table: table, Rows: rows}
}

type failingLedger struct {
	Ledger
	appendErr error
	queryErr  map[string]error
}

func (f *failingLedger) Append(ctx context.Context, txs []ledger.Transaction) (ledger.AppendResult, error) {
	if f.appendErr != nil && len(txs) > 0 {
		return ledger.AppendResult{}, f.appendErr
	}
	return f.Ledger.Append(ctx, txs)
}

func (f *failingLedger) Query(ctx context.Context, query ledger.Query) (ledger.Page, error) {
	if err, ok := f.queryErr[query.Table]; ok {
		return ledger.Page{}, err
	}
	return f.Ledger.Query(ctx, query)
}

var errInjected = errors.New("injected failure")
