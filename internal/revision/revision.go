// Package revision derives future revision dates from a topic's mastery
// status and filters them against revisions that already exist.
package revision

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/p-n-ai/pai-planner/internal/study"
)

// DurationMinutes is the length of every revision task.
const DurationMinutes = 20

// ErrUnknownStatus is returned for a status the scheduler does not recognise.
var ErrUnknownStatus = errors.New("revision: unknown status")

// Candidate is one future revision relative to the day of the quiz.
type Candidate struct {
	DaysAhead   int  `json:"days_ahead"`
	RequireQuiz bool `json:"require_quiz"`
}

// The table is fixed.
var schedules = map[study.Status][]Candidate{
	study.StatusStrong:        {{DaysAhead: 7}, {DaysAhead: 21}},
	study.StatusNeedsRevision: {{DaysAhead: 3}, {DaysAhead: 7}},
	study.StatusWeak:          {{DaysAhead: 1, RequireQuiz: true}},
}

// Schedule returns the revision offsets for a status, in ascending order.
// Statuses outside the classifier's output (pending, in_progress, completed)
// have no revisions.
func Schedule(status study.Status) ([]Candidate, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
	src := schedules[status]
	out := make([]Candidate, len(src))
	copy(out, src)
	return out, nil
}

// Plan builds the revision tasks for a topic classified today. The tasks
// carry no ID and no user; the caller fills those before persisting.
func Plan(topicID string, status study.Status, today time.Time) ([]study.StudyTask, error) {
	candidates, err := Schedule(status)
	if err != nil {
		return nil, err
	}

	tasks := make([]study.StudyTask, 0, len(candidates))
	for _, c := range candidates {
		tasks = append(tasks, study.StudyTask{
			TopicID:         topicID,
			ScheduledDate:   study.AddDays(today, c.DaysAhead),
			TaskType:        study.TaskRevision,
			DurationMinutes: DurationMinutes,
			RequireQuiz:     c.RequireQuiz,
		})
	}
	return tasks, nil
}

// Dates returns the distinct scheduled dates of tasks, sorted.
func Dates(tasks []study.StudyTask) []time.Time {
	seen := make(map[time.Time]bool, len(tasks))
	dates := make([]time.Time, 0, len(tasks))
	for _, t := range tasks {
		d := study.DateOf(t.ScheduledDate)
		if seen[d] {
			continue
		}
		seen[d] = true
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

// Dedupe drops every task whose date already holds a revision for the same
// topic, and collapses tasks in the batch that share a date. Input order is
// preserved; the first task for a date wins.
func Dedupe(tasks []study.StudyTask, existing []time.Time) []study.StudyTask {
	taken := make(map[time.Time]bool, len(existing)+len(tasks))
	for _, d := range existing {
		taken[study.DateOf(d)] = true
	}

	out := make([]study.StudyTask, 0, len(tasks))
	for _, t := range tasks {
		d := study.DateOf(t.ScheduledDate)
		if taken[d] {
			continue
		}
		taken[d] = true
		out = append(out, t)
	}
	return out
}
