package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/projection"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	reportOutcomeAccepted    = "accepted"
	reportOutcomeRateLimited = "rate_limited"
	reportOutcomeInvalid     = "invalid"
	reportOutcomeRejected    = "rejected"
)

// StoredReport is a persisted client snapshot.
type StoredReport struct {
	ClientID         string
	ReceivedAtMillis int64
	Snapshot         Snapshot
}

// ReportClient stores a client snapshot on behalf of reporter. A client id is bound to the user
// that first reported it; other non-privileged users get ErrClientMismatch. Reports arriving
// sooner than the interval after the client's last accepted report are rejected with
// ErrRateLimited.
func (s *Service) ReportClient(ctx context.Context, snapshot Snapshot, reporter ledger.Actor) (ReportReceipt, error) {
	clientID := strings.TrimSpace(snapshot.ClientID)
	if clientID == "" {
		s.metrics.RecordClientReport(reportOutcomeInvalid)
		return ReportReceipt{}, newServiceError(opReport, "missing_client_id", errMissingClientID)
	}
	snapshot.ClientID = clientID
	snapshot.Scope = ScopeClient
	if snapshot.Tables == nil {
		snapshot.Tables = map[string]Section{}
	}
	if snapshot.EntityTypes == nil {
		snapshot.EntityTypes = map[string]Section{}
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		s.metrics.RecordClientReport(reportOutcomeInvalid)
		return ReportReceipt{}, newServiceError(opReport, "encode_failed", err)
	}
	receivedAt := s.clock().UTC().UnixMilli()
	reporterID := strings.TrimSpace(reporter.UserID)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing projection.ClientReport
		lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("client_id = ?", clientID).
			Take(&existing).Error
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
		case lookupErr != nil:
			return lookupErr
		case existing.ReporterID != "" && existing.ReporterID != reporterID && !reporter.Privileged():
			return ErrClientMismatch
		case receivedAt-existing.ReceivedAtMillis < s.interval.Milliseconds():
			return ErrRateLimited
		}
		owner := reporterID
		if existing.ReporterID != "" {
			owner = existing.ReporterID
		}
		return tx.Save(&projection.ClientReport{
			ClientID:         clientID,
			ReporterID:       owner,
			ReceivedAtMillis: receivedAt,
			PayloadJSON:      string(payload),
		}).Error
	})
	if errors.Is(err, ErrRateLimited) {
		s.metrics.RecordClientReport(reportOutcomeRateLimited)
		return ReportReceipt{}, newServiceError(opReport, "rate_limited", err)
	}
	if errors.Is(err, ErrClientMismatch) {
		s.metrics.RecordClientReport(reportOutcomeRejected)
		s.logger.Warn("client report rejected",
			zap.String("client_id", clientID),
			zap.String("reporter_id", reporterID),
		)
		return ReportReceipt{}, newServiceError(opReport, "client_mismatch", err)
	}
	if err != nil {
		s.logError(opReport, "persist_failed", err, zap.String("client_id", clientID))
		return ReportReceipt{}, newServiceError(opReport, "persist_failed", err)
	}

	s.metrics.RecordClientReport(reportOutcomeAccepted)
	return ReportReceipt{OK: true, ClientID: clientID, ReceivedAt: schema.FormatTimestamp(receivedAt)}, nil
}

// ClientReports lists the latest snapshot of every client ordered by client id.
func (s *Service) ClientReports(ctx context.Context) ([]StoredReport, error) {
	var records []projection.ClientReport
	if err := s.db.WithContext(ctx).Order("client_id ASC").Find(&records).Error; err != nil {
		s.logError(opConsistency, "reports_load_failed", err)
		return nil, newServiceError(opConsistency, "reports_load_failed", err)
	}
	reports := make([]StoredReport, 0, len(records))
	for _, record := range records {
		var snapshot Snapshot
		if err := json.Unmarshal([]byte(record.PayloadJSON), &snapshot); err != nil {
			s.logError(opConsistency, "report_decode_failed", err, zap.String("client_id", record.ClientID))
			continue
		}
		reports = append(reports, StoredReport{
			ClientID:         record.ClientID,
			ReceivedAtMillis: record.ReceivedAtMillis,
			Snapshot:         snapshot,
		})
	}
	return reports, nil
}

// Consistency captures a fresh server snapshot and diffs it against every client report.
func (s *Service) Consistency(ctx context.Context) (ConsistencyReport, error) {
	server, err := s.CaptureServerSnapshot(ctx)
	if err != nil {
		return ConsistencyReport{}, err
	}
	reports, err := s.ClientReports(ctx)
	if err != nil {
		return ConsistencyReport{}, err
	}

	report := ConsistencyReport{Server: server, Clients: make([]ClientDiff, 0, len(reports))}
	for _, stored := range reports {
		diff := DiffSnapshots(server, stored.Snapshot)
		diff.ClientID = stored.ClientID
		diff.ReceivedAt = schema.FormatTimestamp(stored.ReceivedAtMillis)
		report.Clients = append(report.Clients, diff)
	}
	report.Status = OverallStatus(report.Clients)
	return report, nil
}
