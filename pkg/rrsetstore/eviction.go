package rrsetstore

import (
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ScoreInput is the environment exposed to an eviction-scoring
// expression: the signals a policy might weigh when a shard's evictWorst
// picks a victim among the live entries of that shard.
type ScoreInput struct {
	TrustRank      int     `expr:"trust_rank"`
	Hits           int64   `expr:"hits"`
	SecondsIdle    float64 `expr:"seconds_idle"`
	SecondsToExpiry float64 `expr:"seconds_to_expiry"`
}

// Scorer ranks a candidate victim; lower score evicts first. shard's
// evictWorst calls Score on every live entry in a shard and removes the
// lowest-scored one itself, ahead of the underlying hashicorp LRU
// container's own capacity-triggered eviction — so a configured Scorer
// is the actual mechanism deciding who gets evicted under pressure, not
// just a value fed to a log line.
type Scorer interface {
	Score(ScoreInput) float64
}

// DefaultScorer favors evicting low-trust, rarely-hit, long-idle entries
// first: score is seconds_idle minus a trust/hit bonus, so cold entries
// sort to the front of a victim list. Remaining TTL is not part of the
// score; evictWorst removes expired entries before scoring.
type DefaultScorer struct{}

func (DefaultScorer) Score(in ScoreInput) float64 {
	return in.SecondsIdle - float64(in.TrustRank)*10 - float64(in.Hits)
}

// ExprScorer evaluates an operator-supplied expression (via expr-lang)
// against ScoreInput, so the eviction priority can be tuned without a
// rebuild.
type ExprScorer struct {
	program *vm.Program
}

// NewExprScorer compiles rule, which must evaluate to a float/int given
// an env of trust_rank, hits, seconds_idle and seconds_to_expiry.
func NewExprScorer(rule string) (*ExprScorer, error) {
	program, err := expr.Compile(rule, expr.Env(ScoreInput{}), expr.AsFloat64())
	if err != nil {
		return nil, err
	}
	return &ExprScorer{program: program}, nil
}

func (s *ExprScorer) Score(in ScoreInput) float64 {
	out, err := expr.Run(s.program, in)
	if err != nil {
		return 0
	}
	f, _ := out.(float64)
	return f
}

func scoreInputFor(e *entry, now time.Time) ScoreInput {
	return ScoreInput{
		TrustRank:       int(e.data.Trust),
		Hits:            e.hits.Load(),
		SecondsIdle:     now.Sub(e.lastTouch()).Seconds(),
		SecondsToExpiry: e.data.RemainingTTL(now).Seconds(),
	}
}
