package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"trustline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const caseColumns = `id,agent_id,buyer_name,buyer_contact,property_id,property_title,transaction_id,current_step,status,offer_price,closed_at,closed_reason,created_at,updated_at`

func scanCase(scan func(dest ...any) error) (domain.Case, error) {
	var c domain.Case
	var buyerContact, propertyID, transactionID, closedAt, closedReason sql.NullString
	var offerPrice sql.NullInt64
	err := scan(&c.ID, &c.AgentID, &c.BuyerName, &buyerContact, &propertyID, &c.PropertyTitle, &transactionID,
		&c.CurrentStep, &c.Status, &offerPrice, &closedAt, &closedReason, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if buyerContact.Valid {
		c.BuyerContact = &buyerContact.String
	}
	if propertyID.Valid {
		c.PropertyID = &propertyID.String
	}
	if transactionID.Valid {
		c.TransactionID = &transactionID.String
	}
	if offerPrice.Valid {
		c.OfferPrice = &offerPrice.Int64
	}
	if closedAt.Valid {
		c.ClosedAt = &closedAt.String
	}
	if closedReason.Valid {
		c.ClosedReason = &closedReason.String
	}
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.AgentID, c.BuyerName, nullableStringPtr(c.BuyerContact), nullableStringPtr(c.PropertyID), c.PropertyTitle,
		nullableStringPtr(c.TransactionID), c.CurrentStep, c.Status, nullableInt64Ptr(c.OfferPrice),
		nullableStringPtr(c.ClosedAt), nullableStringPtr(c.ClosedReason), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

type CaseFilters struct {
	AgentID string
	Status  string
	Limit   int
	Offset  int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, int, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM cases `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, c)
	}
	return res, total, rows.Err()
}

// CaseMutation describes the column changes of a single case update. Nil
// fields are left untouched. UpdatedAt is always written since it doubles
// as the concurrency fingerprint.
type CaseMutation struct {
	CurrentStep   *int
	Status        *string
	OfferPrice    *int64
	TransactionID *string
	ClosedAt      *string
	ClosedReason  *string
	UpdatedAt     string
}

// UpdateCaseIf applies a mutation only when the stored updated_at still
// matches the expected fingerprint. A losing writer gets
// domain.ErrConflict; a vanished case gets ErrNotFound.
func (r Repo) UpdateCaseIf(ctx context.Context, tx *sql.Tx, id, expectedUpdatedAt string, m CaseMutation) error {
	fields := []string{"updated_at=?"}
	args := []any{m.UpdatedAt}
	if m.CurrentStep != nil {
		fields = append(fields, "current_step=?")
		args = append(args, *m.CurrentStep)
	}
	if m.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *m.Status)
	}
	if m.OfferPrice != nil {
		fields = append(fields, "offer_price=?")
		args = append(args, *m.OfferPrice)
	}
	if m.TransactionID != nil {
		fields = append(fields, "transaction_id=?")
		args = append(args, *m.TransactionID)
	}
	if m.ClosedAt != nil {
		fields = append(fields, "closed_at=?")
		args = append(args, *m.ClosedAt)
	}
	if m.ClosedReason != nil {
		fields = append(fields, "closed_reason=?")
		args = append(args, *m.ClosedReason)
	}
	args = append(args, id, expectedUpdatedAt)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE cases SET %s WHERE id=? AND updated_at=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := r.GetCaseTx(ctx, tx, id); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

// DormantCandidates returns ids of active cases untouched since the cutoff.
func (r Repo) DormantCandidates(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM cases WHERE status=? AND updated_at < ? ORDER BY updated_at ASC`,
		domain.StatusActive, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertCaseEvent(ctx context.Context, tx *sql.Tx, e domain.CaseEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO case_events(id,case_id,step,step_name,action,actor,detail,event_hash,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.CaseID, e.Step, e.StepName, e.Action, string(e.Actor), nullableStringPtr(e.Detail), nullable(e.EventHash), e.CreatedAt)
	return err
}

// ListCaseEvents returns the full trail ordered oldest first. The seq
// column breaks ties between events stamped in the same instant.
func (r Repo) ListCaseEvents(ctx context.Context, caseID string) ([]domain.CaseEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,id,case_id,step,step_name,action,actor,detail,event_hash,created_at FROM case_events WHERE case_id=? ORDER BY created_at ASC, seq ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CaseEvent
	for rows.Next() {
		var e domain.CaseEvent
		var detail, hash sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.CaseID, &e.Step, &e.StepName, &e.Action, &e.Actor, &detail, &hash, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid {
			e.Detail = &detail.String
		}
		if hash.Valid {
			e.EventHash = hash.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventHash reads the newest event hash of a case inside the
// caller's transaction, so appends chain off a stable tip.
func (r Repo) LatestEventHash(ctx context.Context, tx *sql.Tx, caseID string) (string, error) {
	var hash sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT event_hash FROM case_events WHERE case_id=? ORDER BY created_at DESC, seq DESC LIMIT 1`, caseID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash.String, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
