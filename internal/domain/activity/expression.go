package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
)

// KindExpression scores results by evaluating a configured expression over
// the result's flattened fields. Config shape:
//
//	{"expression": "accuracy * 0.7 + speed * 0.3"}
//
// Nested result fields are addressable with bracketed dotted names, e.g.
// [stats.hits].
const KindExpression = "expression"

// ExpressionScorer is the govaluate-backed built-in scorer.
type ExpressionScorer struct{}

type expressionConfig struct {
	Expression string `json:"expression"`
}

// ValidateConfig parses the configured expression.
func (ExpressionScorer) ValidateConfig(config json.RawMessage) error {
	_, err := parseExpression(config)
	return err
}

// Score evaluates the expression against the submitted result.
func (ExpressionScorer) Score(config, result json.RawMessage) (float64, error) {
	expr, err := parseExpression(config)
	if err != nil {
		return 0, err
	}
	out, err := expr.Evaluate(buildResultParams(result))
	if err != nil {
		return 0, fmt.Errorf("evaluate score expression: %w", err)
	}
	switch v := out.(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, errors.New("score expression did not evaluate to a number")
	}
}

func parseExpression(config json.RawMessage) (*govaluate.EvaluableExpression, error) {
	if len(config) == 0 {
		return nil, errors.New("expression config is required")
	}
	var cfg expressionConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("decode expression config: %w", err)
	}
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, errors.New("expression is required")
	}
	expr, err := govaluate.NewEvaluableExpression(cfg.Expression)
	if err != nil {
		return nil, fmt.Errorf("parse expression: %w", err)
	}
	return expr, nil
}

func buildResultParams(result json.RawMessage) map[string]interface{} {
	params := map[string]interface{}{}
	if len(result) == 0 {
		return params
	}
	var raw interface{}
	if err := json.Unmarshal(result, &raw); err != nil {
		return params
	}
	if m, ok := raw.(map[string]interface{}); ok {
		for k, v := range m {
			params[k] = v
		}
		flattenParams("", m, params)
	}
	return params
}

func flattenParams(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]interface{}:
			flattenParams(key, vv, out)
		default:
			out[key] = vv
		}
	}
}
