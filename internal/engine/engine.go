package engine

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"trustline/internal/authz"
	"trustline/internal/chain"
	"trustline/internal/config"
	"trustline/internal/domain"
	"trustline/internal/events"
	"trustline/internal/notify"
	"trustline/internal/repo"
)

const (
	maxActionLen        = 200
	maxDetailLen        = 500
	maxBuyerNameLen     = 100
	maxPropertyTitleLen = 200
)

// Engine orchestrates case mutations. Every state change happens in one
// transaction that pairs the case-row compare-and-swap with exactly one new
// chained event; notifications and audit logging run after commit and are
// never allowed to fail the operation.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier notify.Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Notifier: notify.Log{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(domain.TimeFormat)
}

// validCaseID rejects malformed ids before any store access, so a bad id
// is invalid input rather than a not-found probe result.
func validCaseID(id string) error {
	if uuid.Validate(id) != nil {
		return domain.Invalidf("malformed case id %q", id)
	}
	return nil
}

// CaseCreateOptions are parameters for opening a case.
type CaseCreateOptions struct {
	AgentID       string
	BuyerName     string
	BuyerContact  string
	PropertyID    string
	PropertyTitle string
	TransactionID string
	OfferPrice    *int64
}

func (e Engine) CreateCase(ctx context.Context, p authz.Principal, opts CaseCreateOptions) (domain.Case, error) {
	if err := authz.Gate(p, authz.ActionCreate); err != nil {
		return domain.Case{}, err
	}
	agentID := opts.AgentID
	if !p.System {
		agentID = p.ID
	}
	if agentID == "" {
		return domain.Case{}, domain.Invalidf("agent_id is required")
	}
	if opts.BuyerName == "" {
		return domain.Case{}, domain.Invalidf("buyer_name is required")
	}
	if len(opts.BuyerName) > maxBuyerNameLen {
		return domain.Case{}, domain.Invalidf("buyer_name exceeds %d characters", maxBuyerNameLen)
	}
	if opts.PropertyTitle == "" {
		return domain.Case{}, domain.Invalidf("property_title is required")
	}
	if len(opts.PropertyTitle) > maxPropertyTitleLen {
		return domain.Case{}, domain.Invalidf("property_title exceeds %d characters", maxPropertyTitleLen)
	}
	if opts.OfferPrice != nil && *opts.OfferPrice <= 0 {
		return domain.Case{}, domain.Invalidf("offer_price must be positive")
	}

	now := e.stamp()
	c := domain.Case{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		BuyerName:     opts.BuyerName,
		BuyerContact:  optionalString(opts.BuyerContact),
		PropertyID:    optionalString(opts.PropertyID),
		PropertyTitle: opts.PropertyTitle,
		TransactionID: optionalString(opts.TransactionID),
		CurrentStep:   1,
		Status:        domain.StatusActive,
		OfferPrice:    opts.OfferPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Case{}, err
	}
	if _, err := e.Events.Append(ctx, tx, c.ID, 1, e.Config.StepName(1), "Case opened", p.Role, nil); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	e.audit(c.ID, "case.create", p)
	return c, nil
}

// CaseDetail is a case with its full event trail and chain report.
type CaseDetail struct {
	Case   domain.Case
	Events []domain.CaseEvent
	Chain  chain.Report
}

// GetCase loads a case and its events, verifying the hash chain on the way
// out. A broken chain is logged as a tamper signal but does not fail the
// read; an authorized reader still gets the data.
func (e Engine) GetCase(ctx context.Context, p authz.Principal, caseID string) (CaseDetail, error) {
	if err := authz.Gate(p, authz.ActionRead); err != nil {
		return CaseDetail{}, err
	}
	if err := validCaseID(caseID); err != nil {
		return CaseDetail{}, err
	}
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return CaseDetail{}, err
	}
	if err := authz.Authorize(p, authz.ActionRead, c.AgentID); err != nil {
		return CaseDetail{}, err
	}
	evs, err := e.Repo.ListCaseEvents(ctx, caseID)
	if err != nil {
		return CaseDetail{}, err
	}
	rep := chain.Verify(chainLinks(evs))
	if !rep.OK {
		log.Printf("chain: case %s broken at event index %d", caseID, rep.BrokenAt)
	}
	e.audit(caseID, "case.read", p)
	return CaseDetail{Case: c, Events: evs, Chain: rep}, nil
}

// ListCases returns the caller's visible cases. Agents see only their own;
// the system credential sees everything.
func (e Engine) ListCases(ctx context.Context, p authz.Principal, f repo.CaseFilters) ([]domain.Case, int, error) {
	if err := authz.Gate(p, authz.ActionList); err != nil {
		return nil, 0, err
	}
	if !p.System {
		f.AgentID = p.ID
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return e.Repo.ListCases(ctx, f)
}

// AdvanceStepOptions carry a step transition request. Actor labels the
// recorded event and defaults to the caller's role.
type AdvanceStepOptions struct {
	NewStep    int
	Action     string
	Actor      domain.Role
	Detail     string
	OfferPrice *int64
}

// AdvanceResult reports a completed step transition.
type AdvanceResult struct {
	Case      domain.Case
	OldStep   int
	NewStep   int
	EventHash string
}

// AdvanceStep moves a case forward through the step catalog. Steps never go
// backwards; re-recording the current step is allowed so agents can log
// additional activity at a stage. A losing concurrent writer gets
// domain.ErrConflict and must re-read before retrying.
func (e Engine) AdvanceStep(ctx context.Context, p authz.Principal, caseID string, opts AdvanceStepOptions) (AdvanceResult, error) {
	if err := authz.Gate(p, authz.ActionAdvance); err != nil {
		return AdvanceResult{}, err
	}
	if err := validCaseID(caseID); err != nil {
		return AdvanceResult{}, err
	}
	if opts.Action == "" {
		return AdvanceResult{}, domain.Invalidf("action is required")
	}
	if len(opts.Action) > maxActionLen {
		return AdvanceResult{}, domain.Invalidf("action exceeds %d characters", maxActionLen)
	}
	if len(opts.Detail) > maxDetailLen {
		return AdvanceResult{}, domain.Invalidf("detail exceeds %d characters", maxDetailLen)
	}
	if opts.NewStep < 1 || opts.NewStep > e.Config.MaxStep() {
		return AdvanceResult{}, domain.Invalidf("new_step must be between 1 and %d", e.Config.MaxStep())
	}
	if opts.OfferPrice != nil && *opts.OfferPrice <= 0 {
		return AdvanceResult{}, domain.Invalidf("offer_price must be positive")
	}
	actor := opts.Actor
	if actor == "" {
		actor = p.Role
	}
	if _, ok := domain.ParseRole(string(actor)); !ok {
		return AdvanceResult{}, domain.Invalidf("unknown actor %q", actor)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if err := authz.Authorize(p, authz.ActionAdvance, c.AgentID); err != nil {
		return AdvanceResult{}, err
	}
	if c.Closed() {
		return AdvanceResult{}, domain.ErrAlreadyClosed
	}
	if opts.NewStep < c.CurrentStep {
		return AdvanceResult{}, domain.Invalidf("new_step %d is behind current step %d", opts.NewStep, c.CurrentStep)
	}

	now := e.stamp()
	mut := repo.CaseMutation{
		CurrentStep: &opts.NewStep,
		OfferPrice:  opts.OfferPrice,
		UpdatedAt:   now,
	}
	if err := e.Repo.UpdateCaseIf(ctx, tx, c.ID, c.UpdatedAt, mut); err != nil {
		return AdvanceResult{}, err
	}
	ev, err := e.Events.Append(ctx, tx, c.ID, opts.NewStep, e.Config.StepName(opts.NewStep), opts.Action, actor, optionalString(opts.Detail))
	if err != nil {
		return AdvanceResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, err
	}

	oldStep := c.CurrentStep
	c.CurrentStep = opts.NewStep
	if opts.OfferPrice != nil {
		c.OfferPrice = opts.OfferPrice
	}
	c.UpdatedAt = now

	e.audit(c.ID, "case.advance_step", p)
	// An equal-step re-record logs activity without a stage change, so the
	// buyer is not notified.
	if opts.NewStep != oldStep {
		go e.notifyStep(notify.StepNotice{
			CaseID:        c.ID,
			PropertyTitle: c.PropertyTitle,
			Step:          opts.NewStep,
			StepName:      e.Config.StepName(opts.NewStep),
			Action:        opts.Action,
		})
	}
	return AdvanceResult{Case: c, OldStep: oldStep, NewStep: opts.NewStep, EventHash: ev.EventHash}, nil
}

// CloseCase terminates a case with one of the whitelisted reasons. The
// reason is validated before any storage access. Closing an already-closed
// case is a terminal-state violation, not a conflict.
func (e Engine) CloseCase(ctx context.Context, p authz.Principal, caseID string, reason domain.CloseReason) (domain.Case, error) {
	if err := authz.Gate(p, authz.ActionClose); err != nil {
		return domain.Case{}, err
	}
	if err := validCaseID(caseID); err != nil {
		return domain.Case{}, err
	}
	if !reason.Valid() {
		return domain.Case{}, domain.Invalidf("unknown close reason %q", reason)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if err := authz.Authorize(p, authz.ActionClose, c.AgentID); err != nil {
		return domain.Case{}, err
	}
	if c.Closed() {
		return domain.Case{}, domain.ErrAlreadyClosed
	}

	now := e.stamp()
	status := domain.StatusClosed
	reasonStr := string(reason)
	mut := repo.CaseMutation{
		Status:       &status,
		ClosedAt:     &now,
		ClosedReason: &reasonStr,
		UpdatedAt:    now,
	}
	if err := e.Repo.UpdateCaseIf(ctx, tx, c.ID, c.UpdatedAt, mut); err != nil {
		return domain.Case{}, err
	}
	if _, err := e.Events.Append(ctx, tx, c.ID, c.CurrentStep, e.Config.StepName(c.CurrentStep), "Case closed: "+reasonStr, p.Role, nil); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}

	c.Status = status
	c.ClosedAt = &now
	c.ClosedReason = &reasonStr
	c.UpdatedAt = now

	e.audit(c.ID, "case.close", p)
	go e.notifyClose(notify.CloseNotice{
		CaseID:        c.ID,
		PropertyTitle: c.PropertyTitle,
		Reason:        reasonStr,
		Message:       domain.CloseReasonTexts[reason],
	})
	return c, nil
}

// MarkDormantCases flips active cases untouched since the cutoff to
// dormant, recording a step-0 system notice on each. Only the system
// credential may run the sweep. Cases that race with a concurrent writer
// are skipped; the next sweep picks them up if still idle.
func (e Engine) MarkDormantCases(ctx context.Context, p authz.Principal, cutoff time.Time) (int, error) {
	if !p.System {
		return 0, authz.DeniedError{Action: authz.ActionAdvance, Reason: domain.ErrForbidden}
	}
	ids, err := e.Repo.DormantCandidates(ctx, cutoff.UTC().Format(domain.TimeFormat))
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, id := range ids {
		if err := e.markDormant(ctx, id); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return marked, err
		}
		marked++
		e.audit(id, "case.mark_dormant", p)
	}
	return marked, nil
}

func (e Engine) markDormant(ctx context.Context, caseID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if c.Status != domain.StatusActive {
		return nil
	}
	now := e.stamp()
	status := domain.StatusDormant
	if err := e.Repo.UpdateCaseIf(ctx, tx, c.ID, c.UpdatedAt, repo.CaseMutation{Status: &status, UpdatedAt: now}); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, c.ID, 0, e.Config.StepName(0), "Case marked dormant after inactivity", domain.RoleSystem, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// VerifyChain re-walks a case's event chain on demand.
func (e Engine) VerifyChain(ctx context.Context, p authz.Principal, caseID string) (chain.Report, error) {
	if err := authz.Gate(p, authz.ActionRead); err != nil {
		return chain.Report{}, err
	}
	if err := validCaseID(caseID); err != nil {
		return chain.Report{}, err
	}
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return chain.Report{}, err
	}
	if err := authz.Authorize(p, authz.ActionRead, c.AgentID); err != nil {
		return chain.Report{}, err
	}
	evs, err := e.Repo.ListCaseEvents(ctx, caseID)
	if err != nil {
		return chain.Report{}, err
	}
	return chain.Verify(chainLinks(evs)), nil
}

func chainLinks(evs []domain.CaseEvent) []chain.Link {
	links := make([]chain.Link, len(evs))
	for i, ev := range evs {
		links[i] = chain.Link{
			Seed: chain.Seed{
				CaseID:    ev.CaseID,
				Step:      ev.Step,
				Action:    ev.Action,
				Actor:     string(ev.Actor),
				CreatedAt: ev.CreatedAt,
			},
			Hash: ev.EventHash,
		}
	}
	return links
}

// audit records who did what, outside the mutation transaction. Failures
// are logged and swallowed.
func (e Engine) audit(caseID, action string, p authz.Principal) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("audit: recovered: %v", r)
		}
	}()
	actorID := p.ID
	if p.System && actorID == "" {
		actorID = "system"
	}
	entry := domain.AuditEntry{
		CaseID:    caseID,
		Action:    action,
		ActorID:   actorID,
		ActorRole: string(p.Role),
		Source:    p.Source,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAuditLog(context.Background(), entry); err != nil {
		log.Printf("audit: %v", err)
	}
}

// notifyStep and notifyClose run on their own goroutines. The mutation is
// already durable when they fire, so delivery latency or failure never
// reaches the caller.
func (e Engine) notifyStep(n notify.StepNotice) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("notify: recovered: %v", r)
		}
	}()
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.StepUpdated(context.Background(), n); err != nil {
		log.Printf("notify: step update for case %s: %v", n.CaseID, err)
	}
}

func (e Engine) notifyClose(n notify.CloseNotice) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("notify: recovered: %v", r)
		}
	}()
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.CaseClosed(context.Background(), n); err != nil {
		log.Printf("notify: close for case %s: %v", n.CaseID, err)
	}
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
