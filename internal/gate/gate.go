// Package gate decides what happens after each verification pass.
package gate

import (
	"github.com/lucasnoah/reqforge/internal/execution"
	"github.com/lucasnoah/reqforge/internal/role"
)

// Decision is the outcome of a quality check.
type Decision string

const (
	// Advance moves on to writing the SRS.
	Advance Decision = "advance"
	// Refine loops back for another iteration.
	Refine Decision = "refine"
	// ExhaustStop gives up on quality and writes a check report instead.
	ExhaustStop Decision = "exhaust_stop"
)

// Decide applies the quality gate. The iteration budget is enforced here and
// nowhere else.
func Decide(score float64, iteration, maxIterations int, threshold float64) Decision {
	if score >= threshold {
		return Advance
	}
	if iteration < maxIterations {
		return Refine
	}
	return ExhaustStop
}

// Verdict is a gate decision plus where a refinement goes next.
type Verdict struct {
	Decision Decision
	// Next is the phase to run next.
	Next execution.Phase
	// Iteration is the iteration count after the decision.
	Iteration int
	// Reason is a short human-readable explanation.
	Reason string
}

// Evaluate decides on a verification result. results may be nil when the
// checker's output could not be parsed; it then scores zero and refinement
// goes back to elicitation.
func Evaluate(results *role.CheckResults, iteration, maxIterations int, threshold float64) Verdict {
	score := 0.0
	if results != nil {
		score = results.QualityScore
	}
	v := Verdict{Decision: Decide(score, iteration, maxIterations, threshold), Iteration: iteration}
	switch v.Decision {
	case Advance:
		v.Next = execution.PhaseSpecification
		v.Reason = "quality threshold met"
	case ExhaustStop:
		v.Next = execution.PhaseSpecification
		v.Reason = "iteration budget exhausted"
	case Refine:
		v.Iteration = iteration + 1
		v.Next, v.Reason = Route(results)
	}
	return v
}

// Route picks the phase a refinement returns to. Missing information sends
// the team back to the stakeholder; completeness and consistency problems
// only need the model reworked.
func Route(results *role.CheckResults) (execution.Phase, string) {
	switch {
	case results == nil:
		return execution.PhaseElicitation, "check results not understood"
	case results.MissingInformation > 0:
		return execution.PhaseElicitation, "missing information"
	default:
		return execution.PhaseModeling, "completeness/consistency issues"
	}
}
