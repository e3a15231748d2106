package repo

import (
	"context"
	"time"

	"trustline/internal/domain"
)

// InsertAuditLog appends an access-log row outside any case transaction.
func (r Repo) InsertAuditLog(ctx context.Context, e domain.AuditEntry) error {
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO audit_log(case_id,action,actor_id,actor_role,source,created_at) VALUES (?,?,?,?,?,?)`,
		e.CaseID, e.Action, e.ActorID, e.ActorRole, e.Source, e.CreatedAt)
	return err
}

// ListAuditLog returns the most recent audit rows, optionally scoped to a case.
func (r Repo) ListAuditLog(ctx context.Context, caseID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,case_id,action,actor_id,actor_role,source,created_at FROM audit_log`
	var args []any
	if caseID != "" {
		query += ` WHERE case_id=?`
		args = append(args, caseID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Action, &e.ActorID, &e.ActorRole, &e.Source, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
