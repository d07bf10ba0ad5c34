package replication

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/canonical"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/projection"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/schema"
	"go.uber.org/zap"
)

// Pull returns change-log entries after since in ascending order. Rows the actor may not see
// are dropped from Changes, but the cursor always advances to the last scanned entry.
func (s *Service) Pull(ctx context.Context, since int64, actor ledger.Actor, limit int) (PullResult, error) {
	if since < 0 {
		since = 0
	}
	if limit <= 0 {
		limit = s.pullLimit
	}
	if limit > s.pullMaxLimit {
		limit = s.pullMaxLimit
	}

	var scanned []projection.Change
	if err := s.db.WithContext(ctx).
		Where("server_seq > ?", since).
		Order("server_seq ASC").
		Limit(limit + 1).
		Find(&scanned).Error; err != nil {
		s.logError(opPull, "query_failed", err, zap.Int64("since", since))
		return PullResult{}, newServiceError(opPull, "query_failed", err)
	}

	result := PullResult{ServerCursor: since, Changes: []ChangeView{}}
	if len(scanned) > limit {
		result.HasMore = true
		scanned = scanned[:limit]
	}

	userID := strings.TrimSpace(actor.UserID)
	for _, change := range scanned {
		result.ServerCursor = change.ServerSeq
		if !visible(change, userID) {
			continue
		}
		result.Changes = append(result.Changes, ChangeView{
			Table:       change.Table,
			RowID:       change.RowID,
			Op:          change.Op,
			PayloadJSON: change.PayloadJSON,
			ServerSeq:   change.ServerSeq,
		})
	}

	s.metrics.RecordPull()
	return result, nil
}

func visible(change projection.Change, userID string) bool {
	definition, err := schema.Lookup(change.Table)
	if err != nil {
		return false
	}
	if definition.Scope == schema.ScopeShared {
		return true
	}
	decoded, err := canonical.Decode([]byte(change.PayloadJSON))
	if err != nil {
		return false
	}
	tree, ok := decoded.(map[string]any)
	if !ok {
		return false
	}
	return definition.VisibleTo(tree, userID)
}
