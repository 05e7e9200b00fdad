package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/claims/audit"
	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/reasoner"
	"github.com/liamcoop/claims/retrieval"
	"github.com/liamcoop/claims/rules"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var errStoreDown = errors.New("audit store down")

// flakyStore fails the first append of entry failSeq.
type flakyStore struct {
	audit.Store
	failSeq int
	failed  atomic.Bool
}

func (s *flakyStore) Append(ctx context.Context, e audit.Entry) error {
	if e.Seq == s.failSeq && s.failed.CompareAndSwap(false, true) {
		return errStoreDown
	}
	return s.Store.Append(ctx, e)
}

// brokenIndex fails every call, or blocks until cancelled.
type brokenIndex struct {
	block   bool
	started chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func (b *brokenIndex) Query(ctx context.Context, _ string, _ int) (retrieval.Result, error) {
	b.calls.Add(1)
	if b.block {
		b.once.Do(func() { close(b.started) })
		<-ctx.Done()
		return retrieval.Result{}, ctx.Err()
	}
	return retrieval.Result{}, errors.New("index unreachable")
}

// countingOracle approves citing the first offered clause unless a raw
// response is set.
type countingOracle struct {
	raw   string
	calls atomic.Int32
}

func (o *countingOracle) Reason(_ context.Context, p reasoner.Prompt) (string, error) {
	o.calls.Add(1)
	if o.raw != "" {
		return o.raw, nil
	}
	ids := p.ClauseIDs
	if len(ids) > 1 {
		ids = ids[:1]
	}
	out, err := json.Marshal(map[string]any{
		"verdict":       "approved",
		"justification": "Collision damage is covered under the auto policy.",
		"clause_ids":    ids,
		"confidence":    0.9,
	})
	return string(out), err
}

// outageRuleStore serves the rule set while it loads and fails ListActive
// once down is set.
type outageRuleStore struct {
	*rules.InMemoryRuleStore
	down atomic.Bool
}

func (s *outageRuleStore) ListActive() ([]*rules.Rule, error) {
	if s.down.Load() {
		return nil, errors.New("rules database down")
	}
	return s.InMemoryRuleStore.ListActive()
}

// coldCache never holds anything, so every validation reads the store.
type coldCache struct{}

func (coldCache) Get() []*rules.Rule { return nil }
func (coldCache) Set([]*rules.Rule)  {}
func (coldCache) Invalidate()        {}
func (coldCache) IsValid() bool      { return false }

type harness struct {
	orch   *Orchestrator
	store  audit.Store
	oracle *countingOracle
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	index retrieval.Index
	store audit.Store
	raw   string
	opts  retrieval.Options
	rules rules.ManagerOptions
}

func withIndex(idx retrieval.Index) harnessOption {
	return func(c *harnessConfig) { c.index = idx }
}

func withStore(s audit.Store) harnessOption {
	return func(c *harnessConfig) { c.store = s }
}

func withOracleResponse(raw string) harnessOption {
	return func(c *harnessConfig) { c.raw = raw }
}

func withRuleStore(store rules.RuleStore, cache rules.RulesCache) harnessOption {
	return func(c *harnessConfig) {
		c.rules.NewStore = func(string) rules.RuleStore { return store }
		c.rules.NewCache = func(string) rules.RulesCache { return cache }
	}
}

func withRetrieveTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.opts.Timeout = d }
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{
		store: audit.NewMemoryStore(),
		opts: retrieval.Options{
			TopK:        3,
			MaxAttempts: 3,
			BackoffBase: time.Millisecond,
			BackoffMax:  2 * time.Millisecond,
			Timeout:     time.Second,
		},
	}
	for _, o := range options {
		o(&cfg)
	}
	if cfg.index == nil {
		clauses, err := retrieval.LoadCorpus(filepath.Join("..", "data", "policies.yaml"))
		require.NoError(t, err)
		idx := retrieval.NewMemoryIndex(retrieval.NewHashEmbedder(256, nil))
		require.NoError(t, idx.Add(context.Background(), clauses...))
		cfg.index = idx
	}

	m, err := rules.NewManager(cfg.rules)
	require.NoError(t, err)
	validator := rules.NewValidator(m)

	oracle := &countingOracle{raw: cfg.raw}
	ropts := reasoner.DefaultOptions()
	ropts.Timeout = time.Second

	orch, err := New(Config{
		Normalizer: claim.NewNormalizer(),
		Validator:  validator,
		Retriever:  retrieval.NewRetriever(cfg.index, cfg.opts),
		Reasoner:   reasoner.New(oracle, ropts),
		Store:      cfg.store,
		Now:        func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return &harness{orch: orch, store: cfg.store, oracle: oracle}
}

func (h *harness) trail(t *testing.T, runID uuid.UUID) []audit.Entry {
	t.Helper()
	entries, err := audit.Collect(h.store.Entries(context.Background(), runID))
	require.NoError(t, err)
	return entries
}

func autoFields(amount string) map[string]string {
	return map[string]string{
		"policyNumber":  "P-100",
		"claimType":     "auto",
		"incidentDate":  "2024-01-05",
		"claimedAmount": amount,
		"description":   "fender bender",
	}
}

func edges(entries []audit.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.From+"->"+e.To)
	}
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Normalizer: claim.NewNormalizer()})
	assert.ErrorContains(t, err, "validator")
}

func TestProcessClaimApproved(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.ProcessClaim(context.Background(), Input{Fields: autoFields("500")})
	require.NoError(t, err)

	assert.Equal(t, Finalized, res.State)
	require.NotNil(t, res.Decision)
	assert.Equal(t, reasoner.Approved, res.Decision.Verdict)
	assert.Equal(t, reasoner.SourceOracle, res.Decision.Source)
	require.Len(t, res.Decision.ClauseIDs, 1)
	assert.EqualValues(t, 1, h.oracle.calls.Load())

	entries := h.trail(t, res.RunID)
	assert.Equal(t, []string{
		"received->normalizing",
		"normalizing->validating_retrieving",
		"validating_retrieving->reasoning",
		"reasoning->finalized",
	}, edges(entries))
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
		assert.Equal(t, audit.OutcomeSuccess, e.Outcome)
		assert.True(t, e.Input.Verify(), "entry %d input digest", e.Seq)
		assert.True(t, e.Output.Verify(), "entry %d output digest", e.Seq)
	}

	var final reasoner.Decision
	require.NoError(t, json.Unmarshal(entries[3].Output.Data, &final))
	assert.Equal(t, reasoner.Approved, final.Verdict)
}

func TestProcessClaimFromDocument(t *testing.T) {
	h := newHarness(t)
	doc := []byte(`{"policy_number":"P-100","claim_type":"car","incident_date":"2024-01-05","claimed_amount":"$500.00","description":"fender bender"}`)

	res, err := h.orch.ProcessClaim(context.Background(), Input{Document: doc})
	require.NoError(t, err)
	assert.Equal(t, Finalized, res.State)

	entries := h.trail(t, res.RunID)
	var rec claim.Record
	require.NoError(t, json.Unmarshal(entries[1].Output.Data, &rec))
	assert.Equal(t, "auto", rec.ClaimType)
	assert.Equal(t, 500.0, rec.ClaimedAmount)
}

func TestProcessClaimRejectedByRule(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.ProcessClaim(context.Background(), Input{Fields: autoFields("30000")})
	require.NoError(t, err)

	require.NotNil(t, res.Decision)
	assert.Equal(t, reasoner.Rejected, res.Decision.Verdict)
	assert.Equal(t, reasoner.SourceRules, res.Decision.Source)
	assert.Contains(t, res.Decision.RuleIDs, "coverage-limit")
	assert.Contains(t, res.Decision.Justification, "coverage-limit")
	assert.Zero(t, h.oracle.calls.Load(), "oracle must not be consulted")
}

func TestProcessClaimRuleStoreOutageNeedsReview(t *testing.T) {
	store := &outageRuleStore{InMemoryRuleStore: rules.NewInMemoryRuleStore()}
	h := newHarness(t, withRuleStore(store, coldCache{}))
	store.down.Store(true)

	res, err := h.orch.ProcessClaim(context.Background(), Input{Fields: autoFields("500")})
	require.NoError(t, err)

	assert.Equal(t, Finalized, res.State)
	require.NotNil(t, res.Decision)
	assert.Equal(t, reasoner.NeedsReview, res.Decision.Verdict)
	assert.Equal(t, reasoner.SourceRules, res.Decision.Source)
	assert.Contains(t, res.Decision.Justification, "rules database down")
	assert.Contains(t, res.Decision.RuleIDs, "coverage-limit")
	assert.Zero(t, h.oracle.calls.Load())

	entries := h.trail(t, res.RunID)
	assert.Equal(t, []string{
		"received->normalizing",
		"normalizing->validating_retrieving",
		"validating_retrieving->reasoning",
		"reasoning->finalized",
	}, edges(entries))

	var out stageOutput
	require.NoError(t, json.Unmarshal(entries[2].Output.Data, &out))
	require.NotEmpty(t, out.Validation.Results)
	for _, r := range out.Validation.Results {
		assert.False(t, r.Passed, r.RuleID)
		assert.Contains(t, r.Error, "rules database down", r.RuleID)
	}
}

func TestProcessClaimJudgedAsOfReceipt(t *testing.T) {
	h := newHarness(t)
	fields := autoFields("500")
	fields["incidentDate"] = "2024-06-10"

	res, err := h.orch.ProcessClaim(context.Background(), Input{Fields: fields})
	require.NoError(t, err)
	assert.Equal(t, reasoner.Rejected, res.Decision.Verdict)
	assert.Contains(t, res.Decision.RuleIDs, "incident-not-future")

	entries := h.trail(t, res.RunID)
	var intake intakeSnapshot
	require.NoError(t, json.Unmarshal(entries[0].Input.Data, &intake))
	assert.True(t, fixedNow.Equal(intake.ReceivedAt))

	var out stageOutput
	require.NoError(t, json.Unmarshal(entries[2].Output.Data, &out))
	assert.Equal(t, "2024-06-01", out.Validation.AsOf)
}

func TestProcessClaimRetrievalUnavailable(t *testing.T) {
	idx := &brokenIndex{}
	h := newHarness(t, withIndex(idx))

	res, err := h.orch.ProcessClaim(context.Background(), Input{Fields: autoFields("500")})

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageRetrieve, stageErr.Stage)
	var unavailable *retrieval.RetrievalUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 3, unavailable.Attempts)
	assert.Equal(t, Failed, res.State)
	assert.Nil(t, res.Decision)
	assert.EqualValues(t, 3, idx.calls.Load())

	entries := h.trail(t, res.RunID)
	assert.Equal(t, []string{
		"received->normalizing",
		"normalizing->validating_retrieving",
		"validating_retrieving->validating_retrieving",
		"validating_retrieving->validating_retrieving",
		"validating_retrieving->failed",
	}, edges(entries))
	assert.Equal(t, audit.OutcomeRetry, entries[2].Outcome)
	assert.Equal(t, audit.OutcomeRetry, entries[3].Outcome)
	assert.Equal(t, "index unreachable", entries[2].Error)
	assert.Equal(t, audit.OutcomeFailure, entries[4].Outcome)
	assert.Equal(t, StageRetrieve, entries[4].Stage)
	assert.Zero(t, h.oracle.calls.Load())
}

func TestProcessClaimSchemaDegradation(t *testing.T) {
	h := newHarness(t, withOracleResponse("I think this claim is probably fine."))

	res, err := h.orch.ProcessClaim(context.Background(), Input{Fields: autoFields("500")})
	require.NoError(t, err)

	require.NotNil(t, res.Decision)
	assert.Equal(t, Finalized, res.State)
	assert.Equal(t, reasoner.NeedsReview, res.Decision.Verdict)
	assert.Equal(t, reasoner.SourceDegraded, res.Decision.Source)
	assert.Contains(t, res.Decision.Justification, "Schema degradation")
	assert.EqualValues(t, 2, h.oracle.calls.Load())
}

func TestProcessClaimMalformed(t *testing.T) {
	h := newHarness(t)
	fields := autoFields("500")
	delete(fields, "policyNumber")

	res, err := h.orch.ProcessClaim(context.Background(), Input{Fields: fields})

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageNormalize, stageErr.Stage)
	var malformed *claim.MalformedClaimError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, Failed, res.State)

	entries := h.trail(t, res.RunID)
	assert.Equal(t, []string{"received->normalizing", "normalizing->failed"}, edges(entries))
	assert.Contains(t, entries[1].Error, "policy_number")
}

func TestProcessClaimCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.ProcessClaim(ctx, Input{Fields: autoFields("500")})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, res.State)

	entries := h.trail(t, res.RunID)
	assert.Equal(t, []string{"received->failed"}, edges(entries))
	assert.Equal(t, StageIntake, entries[0].Stage)
}

func TestProcessClaimCancelledDuringRetrieval(t *testing.T) {
	idx := &brokenIndex{block: true, started: make(chan struct{})}
	h := newHarness(t, withIndex(idx), withRetrieveTimeout(10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-idx.started
		cancel()
	}()

	res, err := h.orch.ProcessClaim(ctx, Input{Fields: autoFields("500")})

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StageValidateRetrieve, stageErr.Stage)
	assert.Equal(t, Failed, res.State)

	entries := h.trail(t, res.RunID)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "validating_retrieving", last.From)
	assert.Equal(t, "failed", last.To)
	assert.Zero(t, h.oracle.calls.Load())
}

func TestProcessClaimAuditFailureIsFatal(t *testing.T) {
	store := &flakyStore{Store: audit.NewMemoryStore(), failSeq: 2}
	h := newHarness(t, withStore(store))

	res, err := h.orch.ProcessClaim(context.Background(), Input{Fields: autoFields("500")})

	var fe *OrchestratorFatalError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, Failed, res.State)
	assert.Nil(t, res.Decision)
	assert.Zero(t, h.oracle.calls.Load())

	// The run is closed with a fatal entry once the store recovers.
	entries := h.trail(t, res.RunID)
	assert.Equal(t, []string{"received->normalizing", "normalizing->failed"}, edges(entries))
	assert.Equal(t, StageFatal, entries[1].Stage)
}

func TestProcessClaimConcurrentRuns(t *testing.T) {
	h := newHarness(t)

	const runs = 16
	results := make([]Result, runs)
	errs := make([]error, runs)
	var wg sync.WaitGroup
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amount := "500"
			if i%2 == 1 {
				amount = "30000"
			}
			results[i], errs[i] = h.orch.ProcessClaim(context.Background(), Input{Fields: autoFields(amount)})
		}()
	}
	wg.Wait()

	seen := map[uuid.UUID]bool{}
	for i, res := range results {
		require.NoError(t, errs[i])
		assert.False(t, seen[res.RunID], "run ids must be unique")
		seen[res.RunID] = true

		want := reasoner.Approved
		if i%2 == 1 {
			want = reasoner.Rejected
		}
		assert.Equal(t, want, res.Decision.Verdict, "run %d", i)

		entries := h.trail(t, res.RunID)
		require.Len(t, entries, 4)
		for j, e := range entries {
			assert.Equal(t, res.RunID, e.RunID)
			assert.Equal(t, j+1, e.Seq)
		}
	}

	runsList, err := h.store.Runs(context.Background(), runs)
	require.NoError(t, err)
	assert.Len(t, runsList, runs)
}

// TestAuditTrailIsContiguous checks every run, whatever its path, leaves
// a gap-free chain of entries that ends in a terminal state.
func TestAuditTrailIsContiguous(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	claimTypes := []string{"auto", "health", "property", "travel", "pet", ""}
	oracleReplies := []string{"", "not json", `{"verdict":"rejected","justification":"Excluded.","clause_ids":[],"confidence":0.7}`}

	properties.Property("seq is 1..n and each entry starts where the last ended", prop.ForAll(
		func(amount int, typeIdx, replyIdx int, broken bool) bool {
			options := []harnessOption{withOracleResponse(oracleReplies[replyIdx])}
			if broken {
				options = append(options, withIndex(&brokenIndex{}))
			}
			h := newHarness(t, options...)

			fields := autoFields(fmt.Sprint(amount))
			fields["claimType"] = claimTypes[typeIdx]
			res, _ := h.orch.ProcessClaim(context.Background(), Input{Fields: fields})

			entries := h.trail(t, res.RunID)
			if len(entries) == 0 {
				return false
			}
			prev := string(Received)
			for i, e := range entries {
				if e.Seq != i+1 || e.From != prev {
					return false
				}
				if !CanTransition(State(e.From), State(e.To)) {
					return false
				}
				prev = e.To
			}
			last := State(prev)
			return last.Terminal() && last == res.State
		},
		gen.IntRange(-100, 60000),
		gen.IntRange(0, len(claimTypes)-1),
		gen.IntRange(0, len(oracleReplies)-1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestResultString(t *testing.T) {
	id := uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")
	r := Result{RunID: id, State: Failed}
	assert.Equal(t, id.String()+" failed", r.String())

	r.Decision = &reasoner.Decision{Verdict: reasoner.NeedsReview}
	assert.True(t, strings.HasSuffix(r.String(), "needs_review"))
}
