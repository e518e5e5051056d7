package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/roach88/tripstudy/internal/questionnaire"
	"github.com/roach88/tripstudy/internal/study"
)

// Controller is the participant flow state machine.
//
// Thread-safety: Controller is safe for concurrent use. Mutations of one
// participant are serialized; different participants proceed in parallel.
type Controller struct {
	store    Store
	clock    Clock
	logger   *slog.Logger
	observer Observer

	allocator *Allocator
	progress  *Reconstructor
	router    *Router
	events    *eventLog
	locks     *participantLocks
}

// Option configures a Controller.
type Option func(*controllerConfig)

type controllerConfig struct {
	clock    Clock
	ids      IDGenerator
	logger   *slog.Logger
	observer Observer
	schema   *questionnaire.Schema
}

// WithClock sets the timestamp source. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(cfg *controllerConfig) { cfg.clock = c }
}

// WithIDGenerator sets the event id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(cfg *controllerConfig) { cfg.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *controllerConfig) { cfg.logger = l }
}

// WithObserver sets the metrics observer. Default: no-op.
func WithObserver(o Observer) Option {
	return func(cfg *controllerConfig) { cfg.observer = o }
}

// WithSchema sets the questionnaire schema. Default: questionnaire.Default().
func WithSchema(s *questionnaire.Schema) Option {
	return func(cfg *controllerConfig) { cfg.schema = s }
}

// New creates a Controller over the given store.
// Returns an error only if the embedded questionnaire fails to compile.
func New(s Store, opts ...Option) (*Controller, error) {
	cfg := controllerConfig{
		clock:    SystemClock{},
		ids:      UUIDv7Generator{},
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.schema == nil {
		schema, err := questionnaire.Default()
		if err != nil {
			return nil, err
		}
		cfg.schema = schema
	}

	events := &eventLog{store: s, clock: cfg.clock, ids: cfg.ids, logger: cfg.logger}
	return &Controller{
		store:     s,
		clock:     cfg.clock,
		logger:    cfg.logger,
		observer:  cfg.observer,
		allocator: NewAllocator(s, cfg.clock),
		progress:  NewReconstructor(s),
		router: &Router{
			store:  s,
			clock:  cfg.clock,
			schema: cfg.schema,
			events: events,
			logger: cfg.logger,
		},
		events: events,
		locks:  newParticipantLocks(),
	}, nil
}

// Questionnaire returns the reflection question definitions.
func (c *Controller) Questionnaire() questionnaire.Definition {
	return c.router.schema.Questions()
}

// Ping checks that storage is reachable.
func (c *Controller) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// lookup normalizes the id and loads the participant's assignment.
func (c *Controller) lookup(ctx context.Context, rawID string) (study.Assignment, error) {
	pid, err := study.NormalizeParticipantID(rawID)
	if err != nil {
		return study.Assignment{}, err
	}
	return c.allocator.Lookup(ctx, pid)
}

// fail logs persistence failures before handing the error back.
func (c *Controller) fail(op string, err error) error {
	if study.IsPersistence(err) {
		c.logger.Error(op+" failed", "error", err)
	}
	return err
}

func (c *Controller) redirect(requested string, step Step) error {
	c.observer.Redirected(step.Kind)
	return redirect(requested, step)
}

// Assign returns the participant's assignment, creating it on first visit.
// created reports whether this call allocated it.
func (c *Controller) Assign(ctx context.Context, rawID string) (a study.Assignment, created bool, err error) {
	pid, err := study.NormalizeParticipantID(rawID)
	if err != nil {
		return study.Assignment{}, false, err
	}

	a, created, err = c.allocator.Allocate(ctx, pid)
	if err != nil {
		return study.Assignment{}, false, c.fail("assign", err)
	}
	c.observer.ParticipantAssigned(created)

	if created {
		c.logger.Info("participant assigned",
			"participant", pid,
			"condition_order_idx", a.ConditionOrderIndex,
			"trip_order_idx", a.TrialOrderIndex)
		c.events.appendJSON(ctx, pid, study.EventAssignment, noRef(), map[string]int{
			"condition_order_idx": a.ConditionOrderIndex,
			"trip_order_idx":      a.TrialOrderIndex,
		})
	} else {
		c.logger.Debug("participant returned", "participant", pid)
		c.events.append(ctx, pid, study.EventReturnVisit, noRef(), "")
	}
	return a, created, nil
}

// CheckProgress returns the step the participant belongs on.
func (c *Controller) CheckProgress(ctx context.Context, rawID string) (Step, error) {
	a, err := c.lookup(ctx, rawID)
	if err != nil {
		return Step{}, c.fail("check progress", err)
	}
	step, err := c.progress.Decide(ctx, a)
	if err != nil {
		return Step{}, c.fail("check progress", err)
	}
	return step, nil
}

// Progress returns the reconstructed state of a participant.
func (c *Controller) Progress(ctx context.Context, rawID string) (Progress, Step, error) {
	a, err := c.lookup(ctx, rawID)
	if err != nil {
		return Progress{}, Step{}, c.fail("progress", err)
	}
	p, err := c.progress.Snapshot(ctx, a)
	if err != nil {
		return Progress{}, Step{}, c.fail("progress", err)
	}
	step, err := c.progress.decideAt(ctx, a, p.NextTrial)
	if err != nil {
		return Progress{}, Step{}, c.fail("progress", err)
	}
	return p, step, nil
}

// TrialView is what a trial screen needs.
type TrialView struct {
	ParticipantID        string         `json:"participant_id"`
	OverallTrialNumber   int            `json:"overall_trip_number"`
	Condition            int            `json:"condition"`
	TripID               int            `json:"trip_id"`
	TrialWithinCondition int            `json:"trip_within_condition"`
	BlockNumber          int            `json:"block_number"`
	DrivingFirst         bool           `json:"driving_first"`
	OptionOrder          []study.Option `json:"option_order"`
	AlreadyRecorded      bool           `json:"already_recorded"`
	Choice               study.Choice   `json:"choice,omitempty"`
}

// GetTrial returns trial k of a participant and logs a trip_view event.
//
// Trials past the next servable one are never served: the caller gets a
// *RedirectError to Trial(next). A trial whose earlier blocks still owe a
// reflection redirects to that reflection. Already recorded trials are
// served with AlreadyRecorded set.
func (c *Controller) GetTrial(ctx context.Context, rawID string, k int) (TrialView, error) {
	pid, err := study.NormalizeParticipantID(rawID)
	if err != nil {
		return TrialView{}, err
	}
	if !study.ValidTrialNumber(k) {
		return TrialView{}, study.InvalidRange(pid, "trial %d outside [0,%d]", k, study.TotalTrials-1)
	}
	a, err := c.allocator.Lookup(ctx, pid)
	if err != nil {
		return TrialView{}, c.fail("get trial", err)
	}

	trials, err := c.store.ReadTrials(ctx, pid)
	if err != nil {
		return TrialView{}, c.fail("get trial", study.Persistence(pid, "read trials", err))
	}
	next := NextTrialNumber(trials)

	target := min(k, next)
	pending, err := c.progress.firstPendingReflection(ctx, a, study.BlockOf(target))
	if err != nil {
		return TrialView{}, c.fail("get trial", err)
	}
	requested := TrialStep(k).String()
	if pending >= 0 {
		return TrialView{}, c.redirect(requested, ReflectionStep(pending))
	}
	if k > next {
		return TrialView{}, c.redirect(requested, TrialStep(next))
	}

	cond := study.ResolveCondition(a, k)
	view := TrialView{
		ParticipantID:        pid,
		OverallTrialNumber:   k,
		Condition:            cond,
		TripID:               study.ResolveTripID(a, k),
		TrialWithinCondition: k % study.TrialsPerCondition,
		BlockNumber:          study.BlockOf(k) + 1,
		DrivingFirst:         study.DrivingFirst(pid, k),
		OptionOrder:          study.OptionOrder(pid, k, cond),
	}
	for _, t := range trials {
		if t.OverallTrialNumber == k {
			view.AlreadyRecorded = true
			view.Choice = t.Choice
			break
		}
	}
	c.events.append(ctx, pid, study.EventTrialView, trialRef(k, view.Condition, view.TripID), "")
	return view, nil
}

// TrialSubmission is a recorded choice. Condition and TripID are optional;
// when present they must match the values resolved from the assignment.
type TrialSubmission struct {
	ParticipantID      string       `json:"participant_id"`
	OverallTrialNumber int          `json:"overall_trip_number"`
	Condition          *int         `json:"condition,omitempty"`
	TripID             *int         `json:"trip_id,omitempty"`
	Choice             study.Choice `json:"choice"`
}

// TrialAck acknowledges a recorded choice.
type TrialAck struct {
	Duplicate bool `json:"duplicate"`
	Next      Step `json:"next"`
}

// RecordChoice appends trial n unless it is already recorded.
//
// A ride choice also writes the condition's switch record (first write wins).
// On a duplicate the switch write is retried so a crash between the two
// writes heals on the client's retry.
func (c *Controller) RecordChoice(ctx context.Context, sub TrialSubmission) (TrialAck, error) {
	pid, err := study.NormalizeParticipantID(sub.ParticipantID)
	if err != nil {
		return TrialAck{}, err
	}
	n := sub.OverallTrialNumber
	if !study.ValidTrialNumber(n) {
		return TrialAck{}, study.InvalidRange(pid, "trial %d outside [0,%d]", n, study.TotalTrials-1)
	}
	if !sub.Choice.Valid() {
		return TrialAck{}, study.Validation(pid, "invalid choice %q", sub.Choice)
	}
	a, err := c.allocator.Lookup(ctx, pid)
	if err != nil {
		return TrialAck{}, c.fail("record choice", err)
	}

	condition := study.ResolveCondition(a, n)
	tripID := study.ResolveTripID(a, n)
	if sub.Condition != nil && *sub.Condition != condition {
		return TrialAck{}, study.Validation(pid, "trial %d belongs to condition %d, got %d", n, condition, *sub.Condition)
	}
	if sub.TripID != nil && *sub.TripID != tripID {
		return TrialAck{}, study.Validation(pid, "trial %d shows trip %d, got %d", n, tripID, *sub.TripID)
	}

	unlock := c.locks.lock(pid)
	defer unlock()

	trials, err := c.store.ReadTrials(ctx, pid)
	if err != nil {
		return TrialAck{}, c.fail("record choice", study.Persistence(pid, "read trials", err))
	}
	next := NextTrialNumber(trials)
	if n > next {
		return TrialAck{}, study.Validation(pid, "trial %d not reached, next is %d", n, next)
	}

	rec := study.TrialRecord{
		ParticipantID:        pid,
		OverallTrialNumber:   n,
		Condition:            condition,
		TrialWithinCondition: n % study.TrialsPerCondition,
		TripID:               tripID,
		Choice:               sub.Choice,
		Timestamp:            c.clock.Now(),
	}
	for _, t := range trials {
		if t.OverallTrialNumber == n {
			return c.duplicateChoice(ctx, a, t)
		}
	}
	pending, err := c.progress.firstPendingReflection(ctx, a, study.BlockOf(n))
	if err != nil {
		return TrialAck{}, c.fail("record choice", err)
	}
	if pending >= 0 {
		return TrialAck{}, c.redirect(TrialStep(n).String(), ReflectionStep(pending))
	}

	reflection, reflected, err := c.store.ReadReflection(ctx, pid, condition)
	if err != nil {
		return TrialAck{}, c.fail("record choice", study.Persistence(pid, "read reflection", err))
	}
	if reflected {
		reflection.ApplyTo(&rec)
	}

	inserted, err := c.store.AppendTrial(ctx, rec)
	if err != nil {
		return TrialAck{}, c.fail("record choice", study.Persistence(pid, "append trial", err))
	}
	if !inserted {
		return c.duplicateChoice(ctx, a, rec)
	}
	c.observer.TrialRecorded(rec.Choice)
	c.events.append(ctx, pid, study.EventTrialChoice, trialRef(n, condition, tripID), string(rec.Choice))

	if err := c.recordSwitch(ctx, rec); err != nil {
		return TrialAck{}, err
	}

	// Filling a gap below next leaves the participant where they were.
	newNext := max(next, n+1)
	step, check := nextAfterTrial(n)
	if check || newNext != n+1 {
		if step, err = c.progress.decideAt(ctx, a, newNext); err != nil {
			return TrialAck{}, c.fail("record choice", err)
		}
	}
	return TrialAck{Next: step}, nil
}

func (c *Controller) duplicateChoice(ctx context.Context, a study.Assignment, stored study.TrialRecord) (TrialAck, error) {
	c.observer.DuplicateSubmission(DuplicateTrial)
	c.events.append(ctx, a.ParticipantID, study.EventDuplicateChoice,
		trialRef(stored.OverallTrialNumber, stored.Condition, stored.TripID), string(stored.Choice))

	if err := c.recordSwitch(ctx, stored); err != nil {
		return TrialAck{}, err
	}
	step, err := c.progress.Decide(ctx, a)
	if err != nil {
		return TrialAck{}, c.fail("record choice", err)
	}
	return TrialAck{Duplicate: true, Next: step}, nil
}

func (c *Controller) recordSwitch(ctx context.Context, t study.TrialRecord) error {
	if !t.Choice.IsRide() {
		return nil
	}
	if _, err := c.store.RecordSwitch(ctx, switchFromTrial(t)); err != nil {
		return c.fail("record switch", study.Persistence(t.ParticipantID, "record switch", err))
	}
	return nil
}

// checkReflectionTurn verifies that condition c's block is fully reached and
// that every earlier block is reflected on.
func (c *Controller) checkReflectionTurn(ctx context.Context, a study.Assignment, cond int) error {
	next, err := c.progress.NextTrialNumber(ctx, a.ParticipantID)
	if err != nil {
		return err
	}
	block := a.BlockOfCondition(cond)
	requested := ReflectionStep(cond).String()
	if !blockComplete(next, block) {
		step, err := c.progress.decideAt(ctx, a, next)
		if err != nil {
			return err
		}
		return c.redirect(requested, step)
	}
	pending, err := c.progress.firstPendingReflection(ctx, a, block)
	if err != nil {
		return err
	}
	if pending >= 0 {
		return c.redirect(requested, ReflectionStep(pending))
	}
	return nil
}

// ReflectionSubject returns the reflection owed for condition c.
// Redirects if the block is not finished or an earlier block is still owed.
func (c *Controller) ReflectionSubject(ctx context.Context, rawID string, cond int) (Subject, error) {
	pid, err := study.NormalizeParticipantID(rawID)
	if err != nil {
		return Subject{}, err
	}
	if !study.ValidCondition(cond) {
		return Subject{}, study.InvalidRange(pid, "condition %d outside [0,%d]", cond, study.NumConditions-1)
	}
	a, err := c.allocator.Lookup(ctx, pid)
	if err != nil {
		return Subject{}, c.fail("reflection subject", err)
	}
	if err := c.checkReflectionTurn(ctx, a, cond); err != nil {
		return Subject{}, c.fail("reflection subject", err)
	}
	subject, err := c.router.Subject(ctx, a, cond)
	if err != nil {
		return Subject{}, c.fail("reflection subject", err)
	}
	return subject, nil
}

// ReflectionAck acknowledges a submitted reflection.
type ReflectionAck struct {
	Duplicate bool                 `json:"duplicate"`
	Variant   study.ReflectionType `json:"variant"`
	Next      Step                 `json:"next"`
}

// SubmitReflection stores the answers of condition c and merges them into all
// trials of the block. Submitting for a completed condition is a no-op
// success flagged Duplicate.
func (c *Controller) SubmitReflection(ctx context.Context, rawID string, cond int, payload questionnaire.Payload) (ReflectionAck, error) {
	pid, err := study.NormalizeParticipantID(rawID)
	if err != nil {
		return ReflectionAck{}, err
	}
	if !study.ValidCondition(cond) {
		return ReflectionAck{}, study.InvalidRange(pid, "condition %d outside [0,%d]", cond, study.NumConditions-1)
	}
	a, err := c.allocator.Lookup(ctx, pid)
	if err != nil {
		return ReflectionAck{}, c.fail("submit reflection", err)
	}

	unlock := c.locks.lock(pid)
	defer unlock()

	next, err := c.progress.NextTrialNumber(ctx, pid)
	if err != nil {
		return ReflectionAck{}, c.fail("submit reflection", err)
	}
	if !blockComplete(next, a.BlockOfCondition(cond)) {
		return ReflectionAck{}, study.Validation(pid, "block of condition %d not finished, next trial is %d", cond, next)
	}
	pending, err := c.progress.firstPendingReflection(ctx, a, a.BlockOfCondition(cond))
	if err != nil {
		return ReflectionAck{}, c.fail("submit reflection", err)
	}
	if pending >= 0 {
		return ReflectionAck{}, c.redirect(ReflectionStep(cond).String(), ReflectionStep(pending))
	}

	subject, duplicate, err := c.router.Submit(ctx, a, cond, payload)
	if err != nil {
		return ReflectionAck{}, c.fail("submit reflection", err)
	}
	if duplicate {
		c.observer.DuplicateSubmission(DuplicateReflection)
	} else {
		c.observer.ReflectionCompleted(subject.Variant)
		c.logger.Info("reflection completed",
			"participant", pid,
			"condition", cond,
			"variant", subject.Variant)
	}

	step, err := c.progress.decideAt(ctx, a, next)
	if err != nil {
		return ReflectionAck{}, c.fail("submit reflection", err)
	}
	return ReflectionAck{Duplicate: duplicate, Variant: subject.Variant, Next: step}, nil
}

// Stats aggregates the assignment ledger.
func (c *Controller) Stats(ctx context.Context) (study.Stats, error) {
	s, err := c.allocator.Stats(ctx)
	if err != nil {
		return study.Stats{}, c.fail("stats", err)
	}
	return s, nil
}

// Complete acknowledges the end of the study. If the participant still owes
// a step that step is returned instead and nothing is logged.
func (c *Controller) Complete(ctx context.Context, rawID string) (Step, error) {
	a, err := c.lookup(ctx, rawID)
	if err != nil {
		return Step{}, c.fail("complete", err)
	}
	step, err := c.progress.Decide(ctx, a)
	if err != nil {
		return Step{}, c.fail("complete", err)
	}
	if step.Kind == StepComplete {
		c.events.append(ctx, a.ParticipantID, study.EventStudyComplete, noRef(), "")
	}
	return step, nil
}

// ClientEvent is a diagnostic event reported by the participant's browser.
type ClientEvent struct {
	OverallTrialNumber *int           `json:"overall_trip_number,omitempty"`
	Condition          *int           `json:"condition,omitempty"`
	TripID             *int           `json:"trip_id,omitempty"`
	Data               string         `json:"data,omitempty"`
	LikertResponses    map[string]int `json:"likert_responses,omitempty"`
}

var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// reservedEvents are written only by the controller itself.
var reservedEvents = map[string]bool{
	study.EventAssignment:             true,
	study.EventReturnVisit:            true,
	study.EventTrialView:              true,
	study.EventTrialChoice:            true,
	study.EventDuplicateChoice:        true,
	study.EventSwitchRepaired:         true,
	study.EventReflectionCompleted:    true,
	study.EventWalkingOnlyReflection:  true,
	study.EventTripReflectionResponse: true,
	study.EventStudyComplete:          true,
}

// LogEvent records a client diagnostic event for a known participant.
// condition_likert events are split into one likert_<question> event per answer.
func (c *Controller) LogEvent(ctx context.Context, rawID, eventType string, ev ClientEvent) error {
	a, err := c.lookup(ctx, rawID)
	if err != nil {
		return c.fail("log event", err)
	}
	pid := a.ParticipantID
	if !eventTypePattern.MatchString(eventType) || reservedEvents[eventType] {
		return study.Validation(pid, "event type %q not accepted", eventType)
	}

	ref := noRef()
	if ev.OverallTrialNumber != nil {
		ref.trial = *ev.OverallTrialNumber
	}
	if ev.Condition != nil {
		ref.condition = *ev.Condition
	}
	if ev.TripID != nil {
		ref.tripID = *ev.TripID
	}

	if eventType == study.EventConditionLikert {
		for _, q := range sortedKeys(ev.LikertResponses) {
			c.events.append(ctx, pid, "likert_"+q, ref, fmt.Sprint(ev.LikertResponses[q]))
		}
		return nil
	}
	c.events.append(ctx, pid, eventType, ref, study.NormalizeText(ev.Data))
	return nil
}
