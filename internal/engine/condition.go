package engine

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/MikeRubio/botflow/internal/models"
)

// EvaluateCondition evaluates a single named operator against a variable's
// current value and a literal. Comparison is case-insensitive for all
// operators. Contains is bidirectional: short user answers like "yes"
// still match longer option text and vice versa. Numeric operators parse
// both operands as floats and evaluate to false when either fails to
// parse; an unknown operator is logged and treated as non-matching.
// Evaluation never fails a turn.
func EvaluateCondition(op models.Operator, actual, expected string) bool {
	a := strings.ToLower(strings.TrimSpace(actual))
	e := strings.ToLower(strings.TrimSpace(expected))

	switch op {
	case models.OperatorEquals:
		return a == e
	case models.OperatorNotEquals:
		return a != e
	case models.OperatorContains:
		return ContainsEither(a, e)
	case models.OperatorGreaterThan:
		av, ev, ok := parseNumericPair(a, e)
		return ok && av > ev
	case models.OperatorLessThan:
		av, ev, ok := parseNumericPair(a, e)
		return ok && av < ev
	default:
		slog.Warn("EvaluateCondition: unknown operator, treating as non-matching", "operator", op)
		return false
	}
}

// ContainsEither reports whether either lowercased string contains the
// other. Both question option matching and the contains operator share
// this policy.
func ContainsEither(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func parseNumericPair(a, e string) (float64, float64, bool) {
	av, errA := strconv.ParseFloat(a, 64)
	ev, errE := strconv.ParseFloat(e, 64)
	if errA != nil || errE != nil {
		return 0, 0, false
	}
	return av, ev, true
}
