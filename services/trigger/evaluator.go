package trigger

import (
	"fmt"

	"civicledger/pkg/celengine"
)

// Evaluator evaluates a rule's free-form criteria as a CEL expression against
// the validation context attributes.
type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

func (e *Evaluator) Evaluate(criteria string, attrs map[string]any) (bool, error) {
	if criteria == "" {
		return true, nil
	}

	if attrs == nil {
		attrs = map[string]any{}
	}

	env, err := celengine.GetOrBuildEnv(attrs)
	if err != nil {
		return false, fmt.Errorf("failed to build criteria env: %w", err)
	}

	return celengine.Evaluate(env, criteria, attrs)
}
