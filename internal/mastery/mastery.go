// Package mastery turns a quiz score and a confidence rating into a topic
// mastery status.
package mastery

import (
	"errors"
	"fmt"

	"github.com/p-n-ai/pai-planner/internal/study"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrInvalidScore      = errors.New("mastery: score out of range")
	ErrInvalidConfidence = errors.New("mastery: invalid confidence")
)

const (
	// MinScore is the lowest quiz score Classify accepts.
	MinScore = 0
	// MaxScore is the highest quiz score Classify accepts.
	MaxScore = 100

	strongScore   = 80
	revisionScore = 50
)

// Classify maps a quiz score (0-100) and confidence to a status.
//
// Rules are checked in order and the first match wins:
//
//	score >= 80 && confidence == high  -> strong
//	score >= 50 || confidence == medium -> needs_revision
//	otherwise                           -> weak
//
// A high-confidence student who scores below 50 is weak, not needs_revision.
func Classify(score int, confidence study.Confidence) (study.Status, error) {
	if score < MinScore || score > MaxScore {
		return "", fmt.Errorf("%w: %d", ErrInvalidScore, score)
	}
	if !confidence.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidConfidence, confidence)
	}

	switch {
	case score >= strongScore && confidence == study.ConfidenceHigh:
		return study.StatusStrong, nil
	case score >= revisionScore || confidence == study.ConfidenceMedium:
		return study.StatusNeedsRevision, nil
	default:
		return study.StatusWeak, nil
	}
}
