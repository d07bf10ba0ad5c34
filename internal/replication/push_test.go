package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/projection"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
)

func TestPushSkipsMissingDependency(t *testing.T) {
	env := newTestEnvironment(t)

	result := mustPush(t, env.service, Batch{
		ClientID: "desk-1",
		Upserts:  []TablePack{pack("widgets", schema.Row{"id": "W1", "parent_id": "MISSING"})},
	}, adminActor)

	if result.DBApplied != 0 {
		t.Fatalf("expected no applied rows, got %d", result.DBApplied)
	}
	if len(result.Skipped) != 1 {
		t.Fatalf("expected one skipped row, got %#v", result.Skipped)
	}
	skipped := result.Skipped[0]
	if skipped.Table != "widgets" || skipped.RowID != "W1" || skipped.Reason != ReasonDependencyMissing {
		t.Fatalf("unexpected skipped row: %#v", skipped)
	}
}

func TestPushResolvesDependenciesWithinBatch(t *testing.T) {
	env := newTestEnvironment(t)

	result := mustPush(t, env.service, Batch{
		ClientID: "desk-1",
		Upserts: []TablePack{
			pack("widgets", schema.Row{"id": "W0"}, schema.Row{"id": "W1", "parent_id": "W0"}),
			pack("equipment", schema.Row{"id": "E1", "name": "press"}),
			pack("parts", schema.Row{"id": "P1", "name": "bolt", "equipment_id": "E1"}),
		},
	}, adminActor)

	if result.DBApplied != 4 || len(result.Skipped) != 0 {
		t.Fatalf("expected 4 applied rows and no skips, got %d / %#v", result.DBApplied, result.Skipped)
	}
	if result.LedgerApplied != 4 || result.LastSeq != 4 {
		t.Fatalf("expected ledger to record 4 transactions, got %d (last seq %d)", result.LedgerApplied, result.LastSeq)
	}
}

func TestPushRejectsInvalidRows(t *testing.T) {
	env := newTestEnvironment(t)

	result := mustPush(t, env.service, Batch{
		ClientID: "desk-1",
		Upserts: []TablePack{
			pack("gadgets", schema.Row{"id": "G1"}),
			pack("equipment", schema.Row{"id": "E1"}, schema.Row{"name": "no id"}),
		},
	}, adminActor)

	if result.DBApplied != 0 || len(result.Skipped) != 3 {
		t.Fatalf("expected three invalid rows, got %#v", result)
	}
	for _, skipped := range result.Skipped {
		if skipped.Reason != ReasonInvalidRow {
			t.Fatalf("expected invalid_row, got %#v", skipped)
		}
	}
}

func TestPushEnforcesOwnershipPolicy(t *testing.T) {
	env := newTestEnvironment(t)
	message := schema.Row{"id": "M1", "sender_id": "alice", "recipient_id": "bob", "body": "hello"}

	denied := mustPush(t, env.service, Batch{ClientID: "desk-b", Upserts: []TablePack{pack("chat_messages", message)}}, bobActor)
	if len(denied.Skipped) != 1 || denied.Skipped[0].Reason != ReasonPolicyDenied {
		t.Fatalf("expected policy_denied for impersonated sender, got %#v", denied.Skipped)
	}

	accepted := mustPush(t, env.service, Batch{ClientID: "desk-a", Upserts: []TablePack{pack("chat_messages", message)}}, aliceActor)
	if accepted.DBApplied != 1 {
		t.Fatalf("expected sender to create message, got %#v", accepted)
	}

	hijack := schema.Row{"id": "M1", "sender_id": "bob", "recipient_id": "alice", "body": "edited"}
	rejected := mustPush(t, env.service, Batch{ClientID: "desk-b", Upserts: []TablePack{pack("chat_messages", hijack)}}, bobActor)
	if len(rejected.Skipped) != 1 || rejected.Skipped[0].Reason != ReasonPolicyDenied {
		t.Fatalf("expected policy_denied for non-sender edit, got %#v", rejected.Skipped)
	}
}

func TestPushReportsNotFound(t *testing.T) {
	env := newTestEnvironment(t)

	result := mustPush(t, env.service, Batch{
		ClientID: "desk-1",
		Upserts:  []TablePack{pack("equipment", schema.Row{"id": "E9", "name": "ghost", "base_server_seq": 12})},
	}, adminActor)

	if len(result.Skipped) != 1 || result.Skipped[0].Reason != ReasonNotFound {
		t.Fatalf("expected not_found, got %#v", result.Skipped)
	}
}

func TestPushDeduplicatesUniqueKeys(t *testing.T) {
	env := newTestEnvironment(t)
	mustPush(t, env.service, Batch{
		ClientID: "desk-1",
		Upserts: []TablePack{
			pack("equipment", schema.Row{"id": "E1", "name": "press"}),
			pack("contracts", schema.Row{"id": "C1", "number": "2024-001"}),
			pack("equipment_contracts", schema.Row{"id": "L1", "equipment_id": "E1", "contract_id": "C1"}),
		},
	}, adminActor)

	result := mustPush(t, env.service, Batch{
		ClientID: "desk-2",
		Upserts:  []TablePack{pack("equipment_contracts", schema.Row{"id": "local-7", "equipment_id": "E1", "contract_id": "C1"})},
	}, adminActor)

	if len(result.Skipped) != 1 || result.Skipped[0].Reason != ReasonDuplicateKey {
		t.Fatalf("expected duplicate_key, got %#v", result.Skipped)
	}
	if result.Skipped[0].CanonicalID != "L1" {
		t.Fatalf("expected canonical id L1, got %q", result.Skipped[0].CanonicalID)
	}
	if result.IDRemaps["equipment_contracts"]["local-7"] != "L1" {
		t.Fatalf("expected id remap, got %#v", result.IDRemaps)
	}
}

func TestPushDetectsSyncConflict(t *testing.T) {
	env := newTestEnvironment(t)
	created := mustPush(t, env.service, Batch{
		ClientID: "desk-1",
		Upserts:  []TablePack{pack("equipment", schema.Row{"id": "E1", "name": "press"})},
	}, adminActor)
	baseSeq := created.AppliedRows[0].ServerSeq

	mustPush(t, env.service, Batch{
		ClientID: "desk-1",
		Upserts:  []TablePack{pack("equipment", schema.Row{"id": "E1", "name": "press v2", "base_server_seq": baseSeq})},
	}, adminActor)

	stale := mustPush(t, env.service, Batch{
		ClientID: "desk-2",
		Upserts:  []TablePack{pack("equipment", schema.Row{"id": "E1", "name": "press (desk 2)", "base_server_seq": baseSeq})},
	}, adminActor)
	if len(stale.Skipped) != 1 || stale.Skipped[0].Reason != ReasonSyncConflict {
		t.Fatalf("expected sync_conflict, got %#v", stale.Skipped)
	}

	forced, err := env.service.Push(context.Background(), Batch{
		ClientID: "desk-2",
		Upserts:  []TablePack{pack("equipment", schema.Row{"id": "E1", "name": "press (desk 2)", "base_server_seq": baseSeq})},
	}, adminActor, Options{AllowSyncConflicts: true})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if forced.DBApplied != 1 {
		t.Fatalf("expected trusted override to apply, got %#v", forced)
	}
}

func TestPushIsSafeToRetry(t *testing.T) {
	env := newTestEnvironment(t)
	batch := Batch{
		ClientID: "desk-1",
		Upserts:  []TablePack{pack("employees", schema.Row{"id": "P1", "full_name": "Ada Lovelace", "meta_json": "{\"badge\":7}"})},
	}

	first := mustPush(t, env.service, batch, adminActor)
	second := mustPush(t, env.service, batch, adminActor)

	if first.DBApplied != 1 || first.LedgerApplied != 1 {
		t.Fatalf("unexpected first push: %#v", first)
	}
	if second.DBApplied != 0 || second.LedgerApplied != 0 {
		t.Fatalf("expected retry to be a no-op, got %#v", second)
	}
	if len(second.AppliedRows) != 1 || !second.AppliedRows[0].Unchanged {
		t.Fatalf("expected unchanged applied row, got %#v", second.AppliedRows)
	}
	if second.LastSeq != first.LastSeq {
		t.Fatalf("expected ledger seq to stay at %d, got %d", first.LastSeq, second.LastSeq)
	}
}

func TestPushStampsMissingUpdatedAt(t *testing.T) {
	env := newTestEnvironment(t)
	batch := Batch{ClientID: "desk-1", Upserts: []TablePack{pack("equipment", schema.Row{"id": "E1", "name": "press"})}}
	mustPush(t, env.service, batch, adminActor)

	var record projection.Record
	if err := env.db.Where("table_name = ? AND row_id = ?", "equipment", "E1").Take(&record).Error; err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if !strings.Contains(record.PayloadJSON, `"updated_at":"2024-05-01T12:00:00.000Z"`) {
		t.Fatalf("expected payload to carry the applied time, got %s", record.PayloadJSON)
	}
	if record.UpdatedAtMillis != 1714564800000 {
		t.Fatalf("unexpected updated_at_ms %d", record.UpdatedAtMillis)
	}

	env.service.clock = func() time.Time { return time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC) }
	retry := mustPush(t, env.service, batch, adminActor)
	if retry.DBApplied != 0 || len(retry.AppliedRows) != 1 || !retry.AppliedRows[0].Unchanged {
		t.Fatalf("expected resubmission to keep the stored stamp, got %#v", retry)
	}

	pulled, err := env.service.Pull(context.Background(), 0, adminActor, 10)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pulled.Changes) != 1 || pulled.Changes[0].PayloadJSON != record.PayloadJSON {
		t.Fatalf("expected pulled payload to match the projection, got %#v", pulled.Changes)
	}
}

func TestPushStampsLedgerSequence(t *testing.T) {
	env := newTestEnvironment(t)
	mustPush(t, env.service, Batch{
		ClientID: "desk-1",
		Upserts:  []TablePack{pack("equipment", schema.Row{"id": "E1", "name": "press"}, schema.Row{"id": "E2", "name": "lathe"})},
	}, adminActor)

	var records []projection.Record
	if err := env.db.Order("row_id ASC").Find(&records).Error; err != nil {
		t.Fatalf("failed to load records: %v", err)
	}
	if len(records) != 2 || records[0].LastServerSeq != 1 || records[1].LastServerSeq != 2 {
		t.Fatalf("unexpected ledger stamps: %#v", records)
	}

	stored, found, err := env.ledger.Get(context.Background(), "equipment", "E2")
	if err != nil || !found {
		t.Fatalf("expected ledger state for E2: %v", err)
	}
	if stored.Row["name"] != "lathe" {
		t.Fatalf("unexpected ledger row: %#v", stored.Row)
	}
}

func TestPushRecordsIncidentWhenLedgerFails(t *testing.T) {
	var wrapper *failingLedger
	env := newTestEnvironmentWith(t, func(inner Ledger) Ledger {
		wrapper = &failingLedger{Ledger: inner, appendErr: errInjected}
		return wrapper
	})

	result := mustPush(t, env.service, Batch{
		ClientID: "desk-1",
		Upserts:  []TablePack{pack("equipment", schema.Row{"id": "E1", "name": "press"})},
	}, adminActor)

	if result.DBApplied != 1 || result.LedgerError == "" {
		t.Fatalf("expected committed projection with ledger error, got %#v", result)
	}

	var incidents []projection.Incident
	if err := env.db.Find(&incidents).Error; err != nil {
		t.Fatalf("failed to load incidents: %v", err)
	}
	if len(incidents) != 1 || incidents[0].Kind != projection.IncidentLedgerAppend || incidents[0].RowCount != 1 || incidents[0].Table != "equipment" {
		t.Fatalf("unexpected incidents: %#v", incidents)
	}

	var record projection.Record
	if err := env.db.Where("table_name = ? AND row_id = ?", "equipment", "E1").Take(&record).Error; err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if record.LastServerSeq != 0 {
		t.Fatalf("expected unstamped record, got %d", record.LastServerSeq)
	}

	wrapper.appendErr = nil
	healed := mustPush(t, env.service, Batch{
		ClientID: "desk-1",
		Upserts:  []TablePack{pack("equipment", schema.Row{"id": "E1", "name": "press"})},
	}, adminActor)
	if healed.LedgerApplied != 1 {
		t.Fatalf("expected retry to reach the ledger, got %#v", healed)
	}
}

func TestPushRequiresActor(t *testing.T) {
	env := newTestEnvironment(t)
	_, err := env.service.Push(context.Background(), Batch{}, ledger.Actor{}, Options{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "replication.push.missing_actor" {
		t.Fatalf("expected missing_actor service error, got %v", err)
	}
}

func TestConcurrentDisjointPushesAreBothVisible(t *testing.T) {
	env := newTestEnvironment(t)
	const perClient = 20

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, clientID := range []string{"desk-a", "desk-b"} {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			rows := make([]schema.Row, 0, perClient)
			for index := range perClient {
				rows = append(rows, schema.Row{"id": fmt.Sprintf("%s-%02d", clientID, index), "name": clientID})
			}
			result, err := env.service.Push(context.Background(), Batch{ClientID: clientID, Upserts: []TablePack{pack("equipment", rows...)}}, adminActor, Options{})
			if err != nil {
				errs <- err
				return
			}
			if result.DBApplied != perClient {
				errs <- fmt.Errorf("%s applied %d rows", clientID, result.DBApplied)
			}
		}(clientID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent push failed: %v", err)
	}

	pulled, err := env.service.Pull(context.Background(), 0, carolActor, 0)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pulled.Changes) != 2*perClient {
		t.Fatalf("expected %d changes, got %d", 2*perClient, len(pulled.Changes))
	}

	report, err := env.ledger.Verify(context.Background())
	if err != nil {
		t.Fatalf("ledger verification failed: %v", err)
	}
	if report.LastSeq != 2*perClient {
		t.Fatalf("expected ledger last seq %d, got %d", 2*perClient, report.LastSeq)
	}
}
