// Package allocator picks the pending topics a student should work on today.
//
// The day's budget is divided into fixed-length topic slots. Slots are shared
// between subjects in proportion to a difficulty weight derived from the
// confidence the student reported on each subject's topics, so harder
// subjects get more of the day. Every subject with pending work gets at least
// one topic, even when the budget is smaller than the number of subjects.
package allocator

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/p-n-ai/pai-planner/internal/study"
)

// MinutesPerTopic is the average time one topic takes.
const MinutesPerTopic = 30

// Confidence weights. A subject the student is unsure of weighs more.
const (
	WeightHigh    = 0.8
	WeightMedium  = 1.0
	WeightLow     = 1.5
	WeightDefault = 1.0
)

// ErrInvalidDailyHours is returned when the study budget is not positive.
var ErrInvalidDailyHours = errors.New("allocator: daily hours must be positive")

// SubjectShare is the per-subject breakdown shown next to today's list.
type SubjectShare struct {
	SubjectID   string  `json:"subject_id"`
	SubjectName string  `json:"subject_name"`
	Color       string  `json:"color,omitempty"`
	Weight      float64 `json:"weight"`
	TopicCount  int     `json:"topic_count"`
}

// Allocation is the result of one allocation run.
type Allocation struct {
	Topics         []study.TopicRef `json:"topics"`
	Subjects       []SubjectShare   `json:"subjects"`
	MaxTopicsToday int              `json:"max_topics_today"`
	TargetCount    int              `json:"target_count"`
	TotalPending   int              `json:"total_pending"`
}

// TopicIDs returns the IDs of the allocated topics in order.
func (a Allocation) TopicIDs() []string {
	ids := make([]string, len(a.Topics))
	for i, t := range a.Topics {
		ids[i] = t.ID
	}
	return ids
}

// ConfidenceWeight maps a confidence rating to its allocation weight. The
// second return is false for an unset rating.
func ConfidenceWeight(c study.Confidence) (float64, bool) {
	switch c {
	case study.ConfidenceHigh:
		return WeightHigh, true
	case study.ConfidenceMedium:
		return WeightMedium, true
	case study.ConfidenceLow:
		return WeightLow, true
	}
	return 0, false
}

// MaxTopics returns how many topic slots fit in dailyHours.
func MaxTopics(dailyHours float64) int {
	return int(math.Floor(dailyHours * 60 / MinutesPerTopic))
}

type group struct {
	subjectID string
	name      string
	color     string
	all       []study.TopicRef
	pending   []study.TopicRef
	weight    float64
	count     int
}

// Allocate selects today's topics from topics, which should be in the order
// the student would study them (chapter order, then topic order). It never
// fails for valid input; with no pending work it returns an empty Allocation.
func Allocate(topics []study.TopicRef, dailyHours float64) (Allocation, error) {
	if !(dailyHours > 0) || math.IsInf(dailyHours, 0) {
		return Allocation{}, fmt.Errorf("%w: %v", ErrInvalidDailyHours, dailyHours)
	}

	maxToday := MaxTopics(dailyHours)
	groups := groupBySubject(topics)

	totalPending := 0
	for _, g := range groups {
		totalPending += len(g.pending)
	}
	out := Allocation{
		Topics:         []study.TopicRef{},
		Subjects:       []SubjectShare{},
		MaxTopicsToday: maxToday,
		TotalPending:   totalPending,
	}
	if totalPending == 0 {
		return out, nil
	}

	// Only subjects with pending work take part.
	active := make([]*group, 0, len(groups))
	for _, g := range groups {
		if len(g.pending) > 0 {
			g.weight = subjectWeight(g.all)
			active = append(active, g)
		}
	}

	target := min(maxToday, totalPending)
	out.TargetCount = target

	firstPass(active, target)
	trim(active, target)

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].count > active[j].count
	})

	for _, g := range active {
		out.Topics = append(out.Topics, g.pending[:g.count]...)
		out.Subjects = append(out.Subjects, SubjectShare{
			SubjectID:   g.subjectID,
			SubjectName: g.name,
			Color:       g.color,
			Weight:      g.weight,
			TopicCount:  g.count,
		})
	}
	return out, nil
}

// groupBySubject buckets topics by subject, keeping first-appearance order
// for subjects and input order for topics within a subject.
func groupBySubject(topics []study.TopicRef) []*group {
	index := make(map[string]*group)
	var groups []*group
	for _, t := range topics {
		g, ok := index[t.SubjectID]
		if !ok {
			g = &group{subjectID: t.SubjectID, name: t.SubjectName, color: t.SubjectColor}
			index[t.SubjectID] = g
			groups = append(groups, g)
		}
		g.all = append(g.all, t)
		if t.Status.IsPending() {
			g.pending = append(g.pending, t)
		}
	}
	return groups
}

// subjectWeight averages the confidence weights of the subject's rated
// topics. Unrated subjects weigh WeightDefault.
func subjectWeight(topics []study.TopicRef) float64 {
	sum, n := 0.0, 0
	for _, t := range topics {
		if w, ok := ConfidenceWeight(t.Confidence); ok {
			sum += w
			n++
		}
	}
	if n == 0 {
		return WeightDefault
	}
	return sum / float64(n)
}

// firstPass gives each subject its proportional share of target, at least
// one topic, at most what it has pending.
func firstPass(groups []*group, target int) {
	totalWeight := 0.0
	for _, g := range groups {
		totalWeight += g.weight
	}
	for _, g := range groups {
		share := g.weight / totalWeight
		n := max(1, int(math.Round(float64(target)*share)))
		g.count = min(n, len(g.pending))
	}
}

// trim takes topics back from the largest subjects until the total fits
// target. No subject drops below one topic, so the total can stay above
// target when there are more subjects than slots.
func trim(groups []*group, target int) {
	total := 0
	for _, g := range groups {
		total += g.count
	}
	for total > target {
		largest := groups[0]
		for _, g := range groups[1:] {
			if g.count > largest.count {
				largest = g
			}
		}
		if largest.count <= 1 {
			return
		}
		largest.count--
		total--
	}
}
