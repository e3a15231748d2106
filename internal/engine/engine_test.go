package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"trustline/internal/authz"
	"trustline/internal/config"
	"trustline/internal/db"
	"trustline/internal/domain"
	"trustline/internal/engine"
	"trustline/internal/migrate"
	"trustline/internal/notify"
	"trustline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var (
	owner    = authz.Principal{ID: "agent-1", Role: domain.RoleAgent, Source: "test"}
	stranger = authz.Principal{ID: "agent-2", Role: domain.RoleAgent, Source: "test"}
	buyer    = authz.Principal{ID: "buyer-1", Role: domain.RoleBuyer, Source: "test"}
	system   = authz.Principal{ID: "system", Role: domain.RoleSystem, System: true, Source: "test"}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustCreate(t *testing.T, env testEnv, p authz.Principal) domain.Case {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, p, engine.CaseCreateOptions{
		BuyerName:     "Chen Wei",
		PropertyTitle: "Riverside 2BR Apartment",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func TestCreateAndGetCase(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)
	if c.Status != domain.StatusActive || c.CurrentStep != 1 {
		t.Fatalf("unexpected new case: %+v", c)
	}
	detail, err := env.Engine.GetCase(env.Ctx, owner, c.ID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if len(detail.Events) != 1 {
		t.Fatalf("expected one opening event, got %d", len(detail.Events))
	}
	if detail.Events[0].EventHash == "" {
		t.Fatalf("opening event not chained")
	}
	if !detail.Chain.OK || detail.Chain.Verified != 1 {
		t.Fatalf("chain report: %+v", detail.Chain)
	}
}

func TestAdvanceStepForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)

	res, err := env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 3, Action: "Offer submitted"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.OldStep != 1 || res.NewStep != 3 || res.EventHash == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	// re-recording the current step is allowed
	if _, err := env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 3, Action: "Offer revised"}); err != nil {
		t.Fatalf("same-step advance: %v", err)
	}

	// going backwards is not
	_, err = env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 2, Action: "Rewind"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	// out of catalog range
	_, err = env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 7, Action: "Too far"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestAdvanceValidation(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)
	long := make([]byte, 201)
	for i := range long {
		long[i] = 'x'
	}
	_, err := env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 2, Action: string(long)})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected action length rejection, got %v", err)
	}
	price := int64(-100)
	_, err = env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 2, Action: "Offer", OfferPrice: &price})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected offer price rejection, got %v", err)
	}
}

func TestCloseCaseIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)

	closed, err := env.Engine.CloseCase(env.Ctx, owner, c.ID, domain.ClosedSoldToOther)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed.Closed() || closed.ClosedAt == nil || closed.ClosedReason == nil {
		t.Fatalf("unexpected closed case: %+v", closed)
	}

	// double close is a terminal-state violation, not a conflict
	_, err = env.Engine.CloseCase(env.Ctx, owner, c.ID, domain.ClosedInactive)
	if !errors.Is(err, domain.ErrAlreadyClosed) {
		t.Fatalf("expected already closed, got %v", err)
	}

	// advancing a closed case is rejected too
	_, err = env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 2, Action: "Late move"})
	if !errors.Is(err, domain.ErrAlreadyClosed) {
		t.Fatalf("expected already closed, got %v", err)
	}
}

func TestCloseRejectsUnknownReasonBeforeStore(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)
	_, err := env.Engine.CloseCase(env.Ctx, owner, c.ID, domain.CloseReason("closed_because"))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	detail, err := env.Engine.GetCase(env.Ctx, owner, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Case.Status != domain.StatusActive {
		t.Fatalf("case touched by invalid close: %+v", detail.Case)
	}
}

func TestConditionalUpdateSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)

	// every attempt shares the fingerprint observed at creation time;
	// exactly one compare-and-swap may win against it
	wins, conflicts := 0, 0
	for i := 0; i < 10; i++ {
		tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		step := 2
		err = env.Engine.Repo.UpdateCaseIf(env.Ctx, tx, c.ID, c.UpdatedAt, repo.CaseMutation{
			CurrentStep: &step,
			UpdatedAt:   time.Now().UTC().Format(domain.TimeFormat),
		})
		switch {
		case err == nil:
			wins++
			if err := tx.Commit(); err != nil {
				t.Fatalf("commit: %v", err)
			}
		case errors.Is(err, domain.ErrConflict):
			conflicts++
			tx.Rollback()
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 9 {
		t.Fatalf("expected exactly one winner, got %d wins %d conflicts", wins, conflicts)
	}
}

func TestConditionalUpdateConcurrentWriters(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)

	// all writers race against the fingerprint observed at creation time;
	// sqlite may report the losers as conflicts or as busy errors, but at
	// most one commit can land
	const writers = 8
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
			if err != nil {
				results <- err
				return
			}
			defer tx.Rollback()
			step := 2
			err = env.Engine.Repo.UpdateCaseIf(env.Ctx, tx, c.ID, c.UpdatedAt, repo.CaseMutation{
				CurrentStep: &step,
				UpdatedAt:   time.Now().UTC().Add(time.Duration(i) * time.Microsecond).Format(domain.TimeFormat),
			})
			if err == nil {
				err = tx.Commit()
			}
			results <- err
		}(i)
	}

	wins := 0
	for i := 0; i < writers; i++ {
		if err := <-results; err == nil {
			wins++
		}
	}
	if wins > 1 {
		t.Fatalf("%d writers won against one fingerprint", wins)
	}

	got, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if wins == 1 && got.UpdatedAt == c.UpdatedAt {
		t.Fatalf("a writer committed but the fingerprint did not move")
	}
	if wins == 0 && got.UpdatedAt != c.UpdatedAt {
		t.Fatalf("no writer won but the fingerprint moved")
	}
}

func TestConditionalUpdateDistinguishesNotFound(t *testing.T) {
	env := newTestEnv(t)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	step := 2
	err = env.Engine.Repo.UpdateCaseIf(env.Ctx, tx, "missing", "whatever", repo.CaseMutation{
		CurrentStep: &step,
		UpdatedAt:   time.Now().UTC().Format(domain.TimeFormat),
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPermissionGate(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)

	// a stranger agent may read but not mutate
	if _, err := env.Engine.GetCase(env.Ctx, stranger, c.ID); err != nil {
		t.Fatalf("stranger read: %v", err)
	}
	_, err := env.Engine.AdvanceStep(env.Ctx, stranger, c.ID, engine.AdvanceStepOptions{NewStep: 2, Action: "Hijack"})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// buyers are shut out entirely, before any store access
	_, err = env.Engine.GetCase(env.Ctx, buyer, "no-such-case")
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// the system credential closes anyone's case
	if _, err := env.Engine.CloseCase(env.Ctx, system, c.ID, domain.ClosedInactive); err != nil {
		t.Fatalf("system close: %v", err)
	}
}

func TestEventChainAcrossMutations(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)
	for step := 2; step <= 5; step++ {
		if _, err := env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: step, Action: "Progress"}); err != nil {
			t.Fatalf("advance to %d: %v", step, err)
		}
	}
	if _, err := env.Engine.CloseCase(env.Ctx, owner, c.ID, domain.ClosedSoldToOther); err != nil {
		t.Fatalf("close: %v", err)
	}
	rep, err := env.Engine.VerifyChain(env.Ctx, owner, c.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rep.OK || rep.Verified != 6 {
		t.Fatalf("chain report: %+v", rep)
	}
}

func TestBrokenChainDoesNotFailRead(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)
	if _, err := env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 2, Action: "Viewing booked"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// tamper with the recorded action behind the chain's back
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE case_events SET action='Viewing cancelled' WHERE case_id=? AND step=2`, c.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	detail, err := env.Engine.GetCase(env.Ctx, owner, c.ID)
	if err != nil {
		t.Fatalf("read after tamper: %v", err)
	}
	if detail.Chain.OK || detail.Chain.BrokenAt != 1 {
		t.Fatalf("expected break at index 1, got %+v", detail.Chain)
	}
}

func TestLegacyEventsActAsCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)
	// simulate a pre-chaining row
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE case_events SET event_hash=NULL WHERE case_id=?`, c.ID); err != nil {
		t.Fatalf("strip hash: %v", err)
	}
	if _, err := env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 2, Action: "Resumed"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	rep, err := env.Engine.VerifyChain(env.Ctx, owner, c.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rep.OK || rep.Legacy != 1 || rep.Verified != 1 {
		t.Fatalf("chain report: %+v", rep)
	}
}

func TestMalformedCaseIDIsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, owner)

	if _, err := env.Engine.GetCase(env.Ctx, owner, "not-a-uuid"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("get: expected invalid input, got %v", err)
	}
	if _, err := env.Engine.AdvanceStep(env.Ctx, owner, "not-a-uuid", engine.AdvanceStepOptions{NewStep: 2, Action: "Move"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("advance: expected invalid input, got %v", err)
	}
	if _, err := env.Engine.CloseCase(env.Ctx, owner, "not-a-uuid", domain.ClosedInactive); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("close: expected invalid input, got %v", err)
	}
	if _, err := env.Engine.VerifyChain(env.Ctx, owner, "not-a-uuid"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("verify: expected invalid input, got %v", err)
	}

	// identity checks still run first, so a buyer probing with a bad id
	// learns nothing beyond the denial
	if _, err := env.Engine.GetCase(env.Ctx, buyer, "not-a-uuid"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("buyer: expected forbidden, got %v", err)
	}
}

type panickyNotifier struct{}

func (panickyNotifier) StepUpdated(context.Context, notify.StepNotice) error { panic("boom") }
func (panickyNotifier) CaseClosed(context.Context, notify.CloseNotice) error { panic("boom") }

func TestSideEffectFailureIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Notifier = panickyNotifier{}
	c := mustCreate(t, env, owner)
	if _, err := env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 2, Action: "Viewing"}); err != nil {
		t.Fatalf("advance with panicking notifier: %v", err)
	}
	closed, err := env.Engine.CloseCase(env.Ctx, owner, c.ID, domain.ClosedPropertyUnlisted)
	if err != nil {
		t.Fatalf("close with panicking notifier: %v", err)
	}
	if !closed.Closed() {
		t.Fatalf("close did not stick: %+v", closed)
	}
}

// gatedNotifier stalls delivery until release is closed and reports each
// notice kind on sent.
type gatedNotifier struct {
	release chan struct{}
	sent    chan string
}

func (n gatedNotifier) StepUpdated(context.Context, notify.StepNotice) error {
	<-n.release
	n.sent <- "step"
	return nil
}

func (n gatedNotifier) CaseClosed(context.Context, notify.CloseNotice) error {
	<-n.release
	n.sent <- "close"
	return nil
}

func TestNotificationDispatchDoesNotBlockMutation(t *testing.T) {
	env := newTestEnv(t)
	n := gatedNotifier{release: make(chan struct{}), sent: make(chan string, 2)}
	env.Engine.Notifier = n
	c := mustCreate(t, env, owner)

	// the notifier is stalled; the mutations must still return
	if _, err := env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 2, Action: "Viewing booked"}); err != nil {
		t.Fatalf("advance with stalled notifier: %v", err)
	}
	if _, err := env.Engine.CloseCase(env.Ctx, owner, c.ID, domain.ClosedSoldToOther); err != nil {
		t.Fatalf("close with stalled notifier: %v", err)
	}

	// delivery still happens once the notifier unblocks
	close(n.release)
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case kind := <-n.sent:
			got[kind] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("notification never delivered, got %v", got)
		}
	}
	if !got["step"] || !got["close"] {
		t.Fatalf("expected step and close notices, got %v", got)
	}
}

func TestEqualStepRecordSkipsNotification(t *testing.T) {
	env := newTestEnv(t)
	n := gatedNotifier{release: make(chan struct{}), sent: make(chan string, 4)}
	close(n.release)
	env.Engine.Notifier = n
	c := mustCreate(t, env, owner)

	if _, err := env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 2, Action: "Viewing booked"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// logging more activity at the same step is not a stage change
	if _, err := env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 2, Action: "Notes added"}); err != nil {
		t.Fatalf("equal-step record: %v", err)
	}
	if _, err := env.Engine.AdvanceStep(env.Ctx, owner, c.ID, engine.AdvanceStepOptions{NewStep: 3, Action: "Offer made"}); err != nil {
		t.Fatalf("advance: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-n.sent:
		case <-time.After(5 * time.Second):
			t.Fatalf("step notification %d never delivered", i)
		}
	}
	select {
	case extra := <-n.sent:
		t.Fatalf("equal-step record sent a %q notification", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestListCasesScopedToAgent(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, owner)
	mustCreate(t, env, owner)
	mustCreate(t, env, stranger)

	cases, total, err := env.Engine.ListCases(env.Ctx, owner, repo.CaseFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(cases) != 2 {
		t.Fatalf("expected 2 own cases, got %d (total %d)", len(cases), total)
	}
	for _, c := range cases {
		if c.AgentID != owner.ID {
			t.Fatalf("foreign case leaked: %+v", c)
		}
	}

	_, total, err = env.Engine.ListCases(env.Ctx, system, repo.CaseFilters{})
	if err != nil {
		t.Fatalf("system list: %v", err)
	}
	if total != 3 {
		t.Fatalf("system should see all cases, got %d", total)
	}
}

func TestMarkDormantCases(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, owner)
	fresh := mustCreate(t, env, owner)
	if _, err := env.Engine.AdvanceStep(env.Ctx, owner, fresh.ID, engine.AdvanceStepOptions{NewStep: 2, Action: "Active work"}); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// only the system credential may sweep
	if _, err := env.Engine.MarkDormantCases(env.Ctx, owner, time.Now()); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// age the first case past the cutoff
	old := time.Now().Add(-30 * 24 * time.Hour).UTC().Format(domain.TimeFormat)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE cases SET updated_at=? WHERE id=?`, old, c.ID); err != nil {
		t.Fatalf("age case: %v", err)
	}

	n, err := env.Engine.MarkDormantCases(env.Ctx, system, time.Now().Add(-14*24*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dormant case, got %d", n)
	}

	detail, err := env.Engine.GetCase(env.Ctx, owner, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Case.Status != domain.StatusDormant {
		t.Fatalf("expected dormant, got %s", detail.Case.Status)
	}
	last := detail.Events[len(detail.Events)-1]
	if last.Step != 0 || last.Actor != domain.RoleSystem {
		t.Fatalf("expected step-0 system event, got %+v", last)
	}
	if !detail.Chain.OK {
		t.Fatalf("chain broken after sweep: %+v", detail.Chain)
	}

	// dormant cases still close
	if _, err := env.Engine.CloseCase(env.Ctx, owner, c.ID, domain.ClosedInactive); err != nil {
		t.Fatalf("close dormant: %v", err)
	}
}
