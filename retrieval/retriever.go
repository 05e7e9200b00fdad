package retrieval

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/internal/logger"
)

const maxQueryKeywords = 12

// Options bound a retrieval.
type Options struct {
	TopK        int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Timeout     time.Duration
}

func DefaultOptions() Options {
	return Options{
		TopK:        5,
		MaxAttempts: 3,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		Timeout:     5 * time.Second,
	}
}

// Attempt describes one failed index call that is about to be retried.
type Attempt struct {
	Query  string
	Number int
	Err    error
}

// AttemptObserver is told about every failed attempt before its retry. It
// may be called from the retrieving goroutine.
type AttemptObserver func(Attempt)

// Retriever turns a claim into index queries and merges their results.
type Retriever struct {
	index Index
	opts  Options
}

func NewRetriever(index Index, opts Options) *Retriever {
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = max(def.BackoffMax, opts.BackoffBase)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Retriever{index: index, opts: opts}
}

// Retrieve runs every claim query and returns the merged top-K clauses.
// Zero hits is an empty Result. A query that keeps failing yields a
// *RetrievalUnavailableError; caller cancellation is returned as is.
func (r *Retriever) Retrieve(ctx context.Context, rec claim.Record, observe AttemptObserver) (Result, error) {
	queries := Queries(rec)

	var hits []ScoredClause
	for _, q := range queries {
		res, err := r.query(ctx, q, observe)
		if err != nil {
			return Result{Queries: queries}, err
		}
		hits = append(hits, res.Clauses...)
	}

	return Result{Queries: queries, Clauses: Merge(hits, r.opts.TopK)}, nil
}

func (r *Retriever) query(ctx context.Context, q string, observe AttemptObserver) (Result, error) {
	backoff := retry.NewExponential(r.opts.BackoffBase)
	backoff = retry.WithCappedDuration(r.opts.BackoffMax, backoff)
	backoff = retry.WithMaxRetries(uint64(r.opts.MaxAttempts-1), backoff)

	var (
		res      Result
		attempts int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()

		out, err := r.index.Query(callCtx, q, r.opts.TopK)
		if err == nil {
			res = out
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("policy index query failed",
			"query", q,
			"attempt", attempts,
			"error", err,
		)
		if attempts < r.opts.MaxAttempts {
			logger.RetrievalRetries.Add(1)
			if observe != nil {
				observe(Attempt{Query: q, Number: attempts, Err: err})
			}
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("retrieve %q: %w", q, ctx.Err())
	}
	return Result{}, &RetrievalUnavailableError{Query: q, Attempts: attempts, Err: err}
}

// Queries builds the deduplicated index queries for a claim.
func Queries(rec claim.Record) []string {
	claimType := rec.ClaimType

	candidates := []string{
		strings.TrimSpace(claimType + " " + strings.Join(keywords(rec.Description), " ")),
	}

	var names []string
	if rec.VendorName != "" {
		names = append(names, rec.VendorName)
	}
	for _, item := range rec.InvoiceItems {
		if item.Description != "" {
			names = append(names, item.Description)
		}
	}
	if len(names) > 0 {
		candidates = append(candidates, claimType+" "+strings.Join(names, " "))
	}

	candidates = append(candidates, strings.TrimSpace(claimType+" coverage limits exclusions"))

	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, q := range candidates {
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}

func keywords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range Terms(text) {
		if seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == maxQueryKeywords {
			break
		}
	}
	return out
}

// Merge dedupes hits by clause id keeping the best score, clamps scores to
// [0,1], drops clauses without text and returns at most k clauses in rank
// order.
func Merge(hits []ScoredClause, k int) []ScoredClause {
	best := make(map[string]int, len(hits))
	out := make([]ScoredClause, 0, len(hits))
	for _, h := range hits {
		if strings.TrimSpace(h.Text) == "" {
			continue
		}
		h.Score = clamp(h.Score)
		if i, ok := best[h.ID]; ok {
			if h.Score > out[i].Score {
				out[i].Score = h.Score
			}
			continue
		}
		best[h.ID] = len(out)
		out = append(out, h)
	}

	sortClauses(out)
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func clamp(score float64) float64 {
	switch {
	case math.IsNaN(score) || score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
