package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when no scorer is registered for a kind.
var ErrUnknownKind = errors.New("unknown activity kind")

// Scorer validates an activity's opaque config and scores submitted results.
// The protocol core stays decoupled from any specific activity's rules; the
// registry dispatches on the stable string kind identifier.
type Scorer interface {
	ValidateConfig(config json.RawMessage) error
	Score(config, result json.RawMessage) (float64, error)
}

// Registry maps stable kind identifiers to scorers.
type Registry struct {
	mu      sync.RWMutex
	scorers map[string]Scorer
}

// NewRegistry returns a registry preloaded with the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{scorers: map[string]Scorer{}}
	r.Register(KindFreeform, FreeformScorer{})
	r.Register(KindExpression, ExpressionScorer{})
	return r
}

// Register binds kind to scorer, replacing any previous binding.
func (r *Registry) Register(kind string, s Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[kind] = s
}

// Validate checks config against the scorer registered for kind.
func (r *Registry) Validate(kind string, config json.RawMessage) error {
	s, err := r.scorer(kind)
	if err != nil {
		return err
	}
	return s.ValidateConfig(config)
}

// Score computes the score for one submitted result.
func (r *Registry) Score(kind string, config, result json.RawMessage) (float64, error) {
	s, err := r.scorer(kind)
	if err != nil {
		return 0, err
	}
	return s.Score(config, result)
}

// Kinds lists the registered kind identifiers, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scorers))
	for k := range r.scorers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) scorer(kind string) (Scorer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scorers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return s, nil
}

// KindFreeform accepts any JSON configuration; the score is taken from the
// result's "score" field when present, zero otherwise.
const KindFreeform = "freeform"

// FreeformScorer is the permissive built-in scorer.
type FreeformScorer struct{}

// ValidateConfig accepts empty or any valid JSON config.
func (FreeformScorer) ValidateConfig(config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	if !json.Valid(config) {
		return errors.New("config is not valid JSON")
	}
	return nil
}

// Score reads the result's "score" field when present.
func (FreeformScorer) Score(_, result json.RawMessage) (float64, error) {
	if len(result) == 0 {
		return 0, nil
	}
	var body struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return 0, fmt.Errorf("decode result: %w", err)
	}
	if body.Score == nil {
		return 0, nil
	}
	return *body.Score, nil
}
