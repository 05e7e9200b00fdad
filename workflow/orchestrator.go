// Package workflow drives a claim through normalization, validation,
// retrieval and reasoning, writing an audit entry for every transition.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/claims/audit"
	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/reasoner"
	"github.com/liamcoop/claims/retrieval"
	"github.com/liamcoop/claims/rules"
)

const tracerName = "github.com/liamcoop/claims/workflow"

type Normalizer interface {
	FromFields(fields map[string]string) (claim.Record, error)
	FromJSON(data []byte) (claim.Record, error)
}

// Validator judges a record as of the time the claim was received. It
// records rule and store failures in the outcome instead of failing.
type Validator interface {
	Validate(rec claim.Record, asOf time.Time) rules.Outcome
}

type Retriever interface {
	Retrieve(ctx context.Context, rec claim.Record, observe retrieval.AttemptObserver) (retrieval.Result, error)
}

type Reasoner interface {
	Decide(ctx context.Context, in reasoner.Input) reasoner.Decision
}

// Config wires the stages. All fields except Tracer and Now are required.
type Config struct {
	Normalizer Normalizer
	Validator  Validator
	Retriever  Retriever
	Reasoner   Reasoner
	Store      audit.Store
	Tracer     trace.Tracer
	Now        func() time.Time
}

// Orchestrator is shared by all runs; each run keeps its own state.
type Orchestrator struct {
	normalizer Normalizer
	validator  Validator
	retriever  Retriever
	reasoner   Reasoner
	store      audit.Store
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() uuid.UUID
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Normalizer == nil:
		return nil, errors.New("workflow: normalizer is required")
	case cfg.Validator == nil:
		return nil, errors.New("workflow: validator is required")
	case cfg.Retriever == nil:
		return nil, errors.New("workflow: retriever is required")
	case cfg.Reasoner == nil:
		return nil, errors.New("workflow: reasoner is required")
	case cfg.Store == nil:
		return nil, errors.New("workflow: audit store is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		normalizer: cfg.Normalizer,
		validator:  cfg.Validator,
		retriever:  cfg.Retriever,
		reasoner:   cfg.Reasoner,
		store:      cfg.Store,
		tracer:     cfg.Tracer,
		now:        cfg.Now,
		newID:      uuid.New,
	}, nil
}

// Input is a raw claim: either form fields or a JSON document.
type Input struct {
	Fields   map[string]string `json:"fields,omitempty"`
	Document []byte            `json:"-"`
}

type intakeSnapshot struct {
	ReceivedAt time.Time         `json:"received_at"`
	Fields     map[string]string `json:"fields,omitempty"`
	Document   string            `json:"document,omitempty"`
}

func (in Input) snapshot(receivedAt time.Time) intakeSnapshot {
	return intakeSnapshot{ReceivedAt: receivedAt, Fields: in.Fields, Document: string(in.Document)}
}

// Result is what a caller gets back. Decision is nil unless the run was
// finalized.
type Result struct {
	RunID    uuid.UUID          `json:"run_id"`
	State    State              `json:"state"`
	Decision *reasoner.Decision `json:"decision,omitempty"`
}

type stageOutput struct {
	Validation rules.Outcome    `json:"validation"`
	Retrieval  retrieval.Result `json:"retrieval"`
}

type reasonSnapshot struct {
	Violations []string `json:"violations"`
	Unverified []string `json:"unverified"`
	ClauseIDs  []string `json:"clause_ids"`
}

type retrySnapshot struct {
	Query   string `json:"query"`
	Attempt int    `json:"attempt"`
}

// ProcessClaim runs one claim to a terminal state. Finalized runs return
// a decision and a nil error. Failed runs return *StageError, or
// *OrchestratorFatalError when the audit trail could not be kept.
func (o *Orchestrator) ProcessClaim(ctx context.Context, in Input) (Result, error) {
	runID := o.newID()
	ctx, span := o.tracer.Start(ctx, "claims.process", trace.WithAttributes(attribute.String("run_id", runID.String())))
	defer span.End()

	logger.TotalRuns.Add(1)
	log := logger.With("run_id", runID.String())
	rec := newRecorder(o.store, runID, o.now, log)
	run := &run{o: o, ctx: ctx, id: runID, rec: rec, receivedAt: o.now().UTC()}

	res, err := run.execute(in)
	if err != nil {
		logger.FailedRuns.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("claim run failed", "error", err)
	} else {
		span.SetAttributes(attribute.String("verdict", string(res.Decision.Verdict)))
		log.Info("claim run finalized", "verdict", res.Decision.Verdict, "source", res.Decision.Source)
	}
	return res, err
}

// run holds the per-claim state of one ProcessClaim call. receivedAt is
// recorded in the intake entry and is the as-of time for validation.
type run struct {
	o          *Orchestrator
	ctx        context.Context
	id         uuid.UUID
	rec        *recorder
	receivedAt time.Time
}

func (r *run) execute(in Input) (Result, error) {
	if err := r.ctx.Err(); err != nil {
		return r.fail(StageIntake, in.snapshot(r.receivedAt), time.Time{}, err)
	}
	if err := r.rec.transition(r.ctx, step{to: Normalizing, stage: StageIntake, input: in.snapshot(r.receivedAt), outcome: audit.OutcomeSuccess}); err != nil {
		return r.fatal(err)
	}

	record, err := r.normalize(in)
	if err != nil {
		return Result{RunID: r.id, State: Failed}, err
	}

	outcome, found, err := r.validateAndRetrieve(record)
	if err != nil {
		return Result{RunID: r.id, State: Failed}, err
	}

	return r.reason(record, outcome, found)
}

func (r *run) normalize(in Input) (claim.Record, error) {
	_, span := r.o.tracer.Start(r.ctx, "claims.normalize")
	defer span.End()
	started := r.o.now()

	var (
		record claim.Record
		err    error
	)
	if in.Document != nil {
		record, err = r.o.normalizer.FromJSON(in.Document)
	} else {
		record, err = r.o.normalizer.FromFields(in.Fields)
	}
	if err != nil {
		span.RecordError(err)
		_, failErr := r.fail(StageNormalize, in.snapshot(r.receivedAt), started, err)
		return claim.Record{}, failErr
	}

	if err := r.rec.transition(r.ctx, step{
		to: ValidatingRetrieving, stage: StageNormalize,
		input: in.snapshot(r.receivedAt), output: record, started: started, outcome: audit.OutcomeSuccess,
	}); err != nil {
		_, fatalErr := r.fatal(err)
		return claim.Record{}, fatalErr
	}
	return record, nil
}

func (r *run) validateAndRetrieve(record claim.Record) (rules.Outcome, retrieval.Result, error) {
	ctx, span := r.o.tracer.Start(r.ctx, "claims.validate_retrieve")
	defer span.End()
	started := r.o.now()

	if err := ctx.Err(); err != nil {
		_, failErr := r.fail(StageValidateRetrieve, record, started, err)
		return rules.Outcome{}, retrieval.Result{}, failErr
	}

	var (
		outcome rules.Outcome
		found   retrieval.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, span := r.o.tracer.Start(gctx, "claims.validate")
		defer span.End()

		outcome = r.o.validator.Validate(record, r.receivedAt)
		return nil
	})
	g.Go(func() error {
		retrieveCtx, span := r.o.tracer.Start(gctx, "claims.retrieve")
		defer span.End()

		res, err := r.o.retriever.Retrieve(retrieveCtx, record, r.observeRetry)
		if err != nil {
			return &stageFailure{stage: StageRetrieve, err: err}
		}
		found = res
		return nil
	})
	err := g.Wait()

	if _, fatal := r.rec.current(); fatal != nil {
		_, fatalErr := r.fatal(fatal)
		return rules.Outcome{}, retrieval.Result{}, fatalErr
	}

	if err == nil {
		err = r.ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		stage := StageValidateRetrieve
		var sf *stageFailure
		if errors.As(err, &sf) {
			stage, err = sf.stage, sf.err
		}
		if cause := r.ctx.Err(); cause != nil {
			stage, err = StageValidateRetrieve, cause
		}
		_, failErr := r.fail(stage, record, started, err)
		return rules.Outcome{}, retrieval.Result{}, failErr
	}

	if err := r.rec.transition(r.ctx, step{
		to: Reasoning, stage: StageValidateRetrieve,
		input: record, output: stageOutput{Validation: outcome, Retrieval: found},
		started: started, outcome: audit.OutcomeSuccess,
	}); err != nil {
		_, fatalErr := r.fatal(err)
		return rules.Outcome{}, retrieval.Result{}, fatalErr
	}
	return outcome, found, nil
}

// observeRetry records a retried index call as a self-transition.
func (r *run) observeRetry(a retrieval.Attempt) {
	_ = r.rec.transition(r.ctx, step{
		to:      ValidatingRetrieving,
		stage:   StageRetrieve,
		input:   retrySnapshot{Query: a.Query, Attempt: a.Number},
		outcome: audit.OutcomeRetry,
		err:     a.Err,
	})
}

func (r *run) reason(record claim.Record, outcome rules.Outcome, found retrieval.Result) (Result, error) {
	ctx, span := r.o.tracer.Start(r.ctx, "claims.reason")
	defer span.End()
	started := r.o.now()

	decision := r.o.reasoner.Decide(ctx, reasoner.Input{Claim: record, Validation: outcome, Retrieval: found})
	span.SetAttributes(
		attribute.String("verdict", string(decision.Verdict)),
		attribute.String("source", string(decision.Source)),
	)

	if err := r.rec.transition(r.ctx, step{
		to: Finalized, stage: StageReason,
		input: reasonSnapshot{
			Violations: ruleIDs(outcome.Violations()),
			Unverified: ruleIDs(outcome.Unverified()),
			ClauseIDs:  found.IDs(),
		},
		output: decision, started: started, outcome: audit.OutcomeSuccess,
	}); err != nil {
		return r.fatal(err)
	}
	return Result{RunID: r.id, State: Finalized, Decision: &decision}, nil
}

// fail records the transition to failed and returns the caller's error.
func (r *run) fail(stage string, input any, started time.Time, cause error) (Result, error) {
	if err := r.rec.transition(r.ctx, step{
		to: Failed, stage: stage, input: input, started: started,
		outcome: audit.OutcomeFailure, err: cause,
	}); err != nil {
		return r.fatal(err)
	}
	return Result{RunID: r.id, State: Failed}, &StageError{RunID: r.id, Stage: stage, Err: cause}
}

// fatal makes a best effort to close the trail with a failed entry.
func (r *run) fatal(err error) (Result, error) {
	var fe *OrchestratorFatalError
	if !errors.As(err, &fe) {
		fe = &OrchestratorFatalError{RunID: r.id, Reason: "run aborted", Err: err}
	}

	if state, _ := r.rec.current(); !state.Terminal() {
		r.bestEffortFailEntry(fe)
	}
	return Result{RunID: r.id, State: Failed}, fe
}

func (r *run) bestEffortFailEntry(fe *OrchestratorFatalError) {
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()

	entry, err := r.rec.entry(step{to: Failed, stage: StageFatal, outcome: audit.OutcomeFailure, err: fe})
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), auditWriteTimeout)
	defer cancel()
	if err := r.rec.store.Append(writeCtx, entry); err != nil {
		logger.AuditWriteFailures.Add(1)
		return
	}
	r.rec.seq = entry.Seq
	r.rec.state = Failed
}

func ruleIDs(results []rules.RuleResult) []string {
	ids := make([]string, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.RuleID)
	}
	return ids
}

// String renders a result for logs.
func (r Result) String() string {
	if r.Decision == nil {
		return fmt.Sprintf("%s %s", r.RunID, r.State)
	}
	return fmt.Sprintf("%s %s %s", r.RunID, r.State, r.Decision.Verdict)
}
