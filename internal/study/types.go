// Package study holds the records the planner reads and writes: subjects,
// chapters, topics, study tasks and the per-user profile.
package study

import (
	"fmt"
	"time"
)

// Status is the mastery state of a topic.
type Status string

const (
	StatusPending       Status = "pending"
	StatusStrong        Status = "strong"
	StatusNeedsRevision Status = "needs_revision"
	StatusWeak          Status = "weak"

	// Display-only states kept for compatibility with older records. The
	// classifier never produces them.
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is one of the known statuses. The empty status is
// not valid here; callers that accept "unset" check for it themselves.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStrong, StatusNeedsRevision, StatusWeak, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// IsPending reports whether a topic with this status still needs a first pass.
// An unset status counts as pending.
func (s Status) IsPending() bool {
	return s == "" || s == StatusPending
}

// ParseStatus converts a stored or user-supplied string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Confidence is the student's self-reported understanding of a topic.
type Confidence string

const (
	ConfidenceUnset  Confidence = ""
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Valid reports whether c is high, medium or low.
func (c Confidence) Valid() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// ParseConfidence converts a string into a Confidence. The empty string maps
// to ConfidenceUnset.
func ParseConfidence(v string) (Confidence, error) {
	c := Confidence(v)
	if c == ConfidenceUnset || c.Valid() {
		return c, nil
	}
	return "", fmt.Errorf("unknown confidence %q", v)
}

// TaskType is the kind of scheduled work.
type TaskType string

const (
	TaskStudy    TaskType = "study"
	TaskRevision TaskType = "revision"
	TaskQuiz     TaskType = "quiz"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	return t == TaskStudy || t == TaskRevision || t == TaskQuiz
}

// Subject is a named grouping of chapters.
type Subject struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Color    string    `json:"color,omitempty"`
	Chapters []Chapter `json:"chapters,omitempty"`
}

// Chapter is an ordered container of topics within a subject.
type Chapter struct {
	ID         string  `json:"id"`
	SubjectID  string  `json:"subject_id"`
	Name       string  `json:"name"`
	OrderIndex int     `json:"order_index"`
	Topics     []Topic `json:"topics,omitempty"`
}

// Topic is the unit of study the planner schedules.
type Topic struct {
	ID            string     `json:"id"`
	ChapterID     string     `json:"chapter_id"`
	Name          string     `json:"name"`
	Content       string     `json:"content,omitempty"`
	OrderIndex    int        `json:"order_index"`
	Status        Status     `json:"status"`
	Confidence    Confidence `json:"confidence,omitempty"`
	LastQuizScore *int       `json:"last_quiz_score,omitempty"`
}

// TopicRef is a topic joined with its chapter and subject, the shape the
// daily allocator consumes.
type TopicRef struct {
	Topic
	SubjectID    string `json:"subject_id"`
	SubjectName  string `json:"subject_name"`
	SubjectColor string `json:"subject_color,omitempty"`
	ChapterName  string `json:"chapter_name"`
}

// StudyTask is a scheduled unit of work on a topic.
type StudyTask struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	TopicID         string     `json:"topic_id"`
	ScheduledDate   time.Time  `json:"scheduled_date"`
	TaskType        TaskType   `json:"task_type"`
	DurationMinutes int        `json:"duration_minutes"`
	IsCompleted     bool       `json:"is_completed"`
	RequireQuiz     bool       `json:"require_quiz,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Key identifies the slot a task occupies. At most one task exists per key.
func (t StudyTask) Key() TaskKey {
	return TaskKey{UserID: t.UserID, TopicID: t.TopicID, Date: DateOf(t.ScheduledDate), Type: t.TaskType}
}

// TaskKey is the uniqueness key (user, topic, scheduled_date, task_type).
type TaskKey struct {
	UserID  string
	TopicID string
	Date    time.Time
	Type    TaskType
}

// Profile holds the per-user settings that drive allocation.
type Profile struct {
	UserID          string     `json:"user_id"`
	DailyStudyHours int        `json:"daily_study_hours"`
	ExamDate        *time.Time `json:"exam_date,omitempty"`
	CurrentStreak   int        `json:"current_streak"`
	LastStudyDate   *time.Time `json:"last_study_date,omitempty"`
}
