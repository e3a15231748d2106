package events

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"trustline/internal/chain"
	"trustline/internal/domain"
)

// Writer appends chained events to a case trail. Append must run inside the
// same transaction that mutates the case row, so the chain tip it reads
// cannot move before the new link lands.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append computes the next hash off the stored tip and inserts the event.
// A case whose latest event predates chaining has an empty stored hash, in
// which case the new link chains off the genesis sentinel.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, caseID string, step int, stepName, action string, actor domain.Role, detail *string) (domain.CaseEvent, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	createdAt := w.Now().UTC().Format(domain.TimeFormat)

	var prev sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT event_hash FROM case_events WHERE case_id=? ORDER BY created_at DESC, seq DESC LIMIT 1`, caseID).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return domain.CaseEvent{}, err
	}
	tip := chain.Genesis
	if prev.Valid && prev.String != "" {
		tip = prev.String
	}

	e := domain.CaseEvent{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Step:      step,
		StepName:  stepName,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: createdAt,
	}
	e.EventHash = chain.Next(tip, chain.Seed{
		CaseID:    caseID,
		Step:      step,
		Action:    action,
		Actor:     string(actor),
		CreatedAt: createdAt,
	})

	_, err = tx.ExecContext(ctx, `INSERT INTO case_events(id,case_id,step,step_name,action,actor,detail,event_hash,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.CaseID, e.Step, e.StepName, e.Action, string(e.Actor), nullable(detail), e.EventHash, e.CreatedAt)
	if err != nil {
		return domain.CaseEvent{}, err
	}
	return e, nil
}

func nullable(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
