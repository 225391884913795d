// Package classify defines the toxicity classifier collaborator boundary.
// The model itself is a black box reached over HTTP; this package owns the
// wire contract and the rule that turns per-category probabilities into a
// single label.
package classify

import (
	"context"
	"errors"
)

// Category labels returned by the scoring service, in model output order.
const (
	LabelToxic        = "toxic"
	LabelSevereToxic  = "severe_toxic"
	LabelObscene      = "obscene"
	LabelIdentityHate = "identity_hate"
	LabelThreat       = "threat"
	LabelInsult       = "insult"

	// LabelNonToxic is the resolved label for messages no fine-grained
	// category claims with enough confidence. It is never produced by the
	// scoring service itself.
	LabelNonToxic = "non-toxic"
)

// Threshold is the minimum probability a fine-grained category needs to be
// chosen over non-toxic.
const Threshold = 0.5

// categories lists the fine-grained labels eligible for Resolve, in a fixed
// order so argmax ties break deterministically. "toxic" is deliberately
// excluded: it is a coarse umbrella over the others, not an actionable
// category on its own.
var categories = []string{
	LabelSevereToxic,
	LabelObscene,
	LabelIdentityHate,
	LabelThreat,
	LabelInsult,
}

// ErrUnavailable is returned when the scoring service cannot be reached or
// produces an unusable response. Callers must fail closed: a message that
// cannot be classified is rejected, never passed through as non-toxic.
var ErrUnavailable = errors.New("classify: scoring service unavailable")

// Scores holds the per-category probabilities for one text, each in [0,1].
type Scores map[string]float64

// Classifier scores a text against the toxicity categories. Implementations
// must honor ctx cancellation and deadlines.
type Classifier interface {
	Scores(ctx context.Context, text string) (Scores, error)
}

// Resolve picks the final label for a score set: the fine-grained category
// with the highest probability, if that probability exceeds Threshold;
// otherwise non-toxic. The coarse "toxic" score never participates.
func Resolve(scores Scores) string {
	best := ""
	bestScore := 0.0
	for _, label := range categories {
		if s := scores[label]; s > bestScore {
			best = label
			bestScore = s
		}
	}
	if bestScore > Threshold {
		return best
	}
	return LabelNonToxic
}

// IsFlagged reports whether a resolved label marks the message as a
// violation. A message is flagged exactly when its label is not non-toxic.
func IsFlagged(label string) bool {
	return label != LabelNonToxic
}
