package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/ids"
)

// AuditSink appends audit events to the audit_events table.
type AuditSink struct {
	store *Store
}

// AuditSink returns a sink writing through s.
func (s *Store) AuditSink() *AuditSink { return &AuditSink{store: s} }

func (a *AuditSink) Append(ctx context.Context, requestID string, e auth.AuditEvent) error {
	if a.store == nil || a.store.db == nil {
		return errNoDB
	}
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = b
	}
	_, err := a.store.db.ExecContext(ctx, `
		insert into audit_events (id, action, actor_user_id, actor_org_id, resource_type, resource_id, request_id, metadata, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ids.New(), e.Action, nullIfEmpty(e.ActorUserID), nullIfEmpty(e.ActorOrgID),
		nullIfEmpty(e.ResourceType), nullIfEmpty(e.ResourceID), nullIfEmpty(requestID), meta, e.OccurredAt)
	return err
}
