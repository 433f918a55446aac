// Package planner wires the scheduling core to storage: it runs the quiz
// pipeline (classify, write back, schedule revisions), builds today's plan
// and tracks study streaks.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/pai-planner/internal/allocator"
	"github.com/p-n-ai/pai-planner/internal/mastery"
	"github.com/p-n-ai/pai-planner/internal/revision"
	"github.com/p-n-ai/pai-planner/internal/study"
	"github.com/p-n-ai/pai-planner/internal/syllabus"
)

const (
	defaultDailyHours    = 2
	defaultStreakRetries = 3
	overdueLookbackDays  = 30
)

// Update kinds sent through the Notifier.
const (
	UpdatePlanInvalidated = "plan_invalidated"
	UpdateQuizResult      = "quiz_result"
)

// ErrInvalidInput marks a request the caller must fix.
var ErrInvalidInput = errors.New("invalid input")

// ErrStreakConflict is returned when the streak could not be written after
// repeated concurrent updates.
var ErrStreakConflict = errors.New("streak update conflict")

// PartialFailureError reports a pipeline that wrote some records and then
// failed. The writes before Step were kept.
type PartialFailureError struct {
	Step string
	Err  error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s failed after earlier writes succeeded: %v", e.Step, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// Notifier pushes state changes to connected clients.
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, data any)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, any) {}

// ServiceConfig holds dependencies for the planner service.
type ServiceConfig struct {
	Store             Store
	Events            EventLogger
	Locker            Locker
	Plans             PlanCache
	Notifier          Notifier
	Now               func() time.Time
	Location          *time.Location // calendar used for "today" (default UTC)
	DefaultDailyHours int            // used when a user has no profile (default 2)
	StreakRetries     int            // optimistic retries for streak writes (default 3)
}

// Service is the planner's application layer.
type Service struct {
	store         Store
	events        EventLogger
	locker        Locker
	plans         PlanCache
	notifier      Notifier
	now           func() time.Time
	loc           *time.Location
	defaultHours  int
	streakRetries int
}

// NewService creates a planner service. Nil dependencies fall back to
// in-memory or no-op implementations.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		store:         cfg.Store,
		events:        cfg.Events,
		locker:        cfg.Locker,
		plans:         cfg.Plans,
		notifier:      cfg.Notifier,
		now:           cfg.Now,
		loc:           cfg.Location,
		defaultHours:  cfg.DefaultDailyHours,
		streakRetries: cfg.StreakRetries,
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	if s.events == nil {
		s.events = NopEventLogger{}
	}
	if s.locker == nil {
		s.locker = NewMemoryLocker()
	}
	if s.plans == nil {
		s.plans = NopPlanCache{}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.defaultHours == 0 {
		s.defaultHours = defaultDailyHours
	}
	if s.streakRetries == 0 {
		s.streakRetries = defaultStreakRetries
	}
	return s
}

func (s *Service) today() time.Time {
	return study.DateOf(s.now().In(s.loc))
}

// QuizSubmission is a completed quiz with the student's confidence rating.
type QuizSubmission struct {
	UserID     string           `json:"user_id"`
	TopicID    string           `json:"topic_id"`
	Score      int              `json:"score"`
	Confidence study.Confidence `json:"confidence"`
}

// QuizResult is what a quiz submission changed.
type QuizResult struct {
	TopicID        string            `json:"topic_id"`
	Status         study.Status      `json:"status"`
	PreviousStatus study.Status      `json:"previous_status"`
	TopicUpdated   bool              `json:"topic_updated"`
	Revisions      []study.StudyTask `json:"revisions"`
	Created        int               `json:"created"`
	Skipped        int               `json:"skipped"`
}

// SubmitQuiz classifies a quiz outcome, writes it back to the topic and
// schedules the matching revisions. Calls for the same topic are serialised,
// and revisions that already exist for a date are not created again.
//
// If the topic was updated but scheduling failed, the partial result is
// returned together with a *PartialFailureError.
func (s *Service) SubmitQuiz(ctx context.Context, sub QuizSubmission) (QuizResult, error) {
	if sub.UserID == "" || sub.TopicID == "" {
		return QuizResult{}, fmt.Errorf("%w: user_id and topic_id are required", ErrInvalidInput)
	}
	status, err := mastery.Classify(sub.Score, sub.Confidence)
	if err != nil {
		return QuizResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	unlock, err := s.locker.Lock(ctx, TopicLockKey(sub.UserID, sub.TopicID))
	if err != nil {
		return QuizResult{}, fmt.Errorf("lock topic: %w", err)
	}
	defer unlock()

	topic, err := s.store.GetTopic(ctx, sub.UserID, sub.TopicID)
	if err != nil {
		return QuizResult{}, fmt.Errorf("load topic: %w", err)
	}

	if err := s.store.UpdateTopicMastery(ctx, sub.UserID, sub.TopicID, MasteryUpdate{
		Status:     status,
		Confidence: sub.Confidence,
		Score:      sub.Score,
	}); err != nil {
		return QuizResult{}, fmt.Errorf("update topic mastery: %w", err)
	}

	res := QuizResult{
		TopicID:        sub.TopicID,
		Status:         status,
		PreviousStatus: topic.Status,
		TopicUpdated:   true,
		Revisions:      []study.StudyTask{},
	}

	s.logEvent(ctx, Event{
		UserID:    sub.UserID,
		TopicID:   sub.TopicID,
		EventType: EventQuizCompleted,
		Data: map[string]any{
			"score":           sub.Score,
			"confidence":      string(sub.Confidence),
			"status":          string(status),
			"previous_status": string(topic.Status),
		},
	})
	// The topic changed even if scheduling fails below.
	defer s.planChanged(ctx, sub.UserID)

	planned, created, err := s.scheduleRevisions(ctx, sub.UserID, sub.TopicID, status)
	if err != nil {
		slog.Error("revision scheduling failed after topic update",
			"user_id", sub.UserID,
			"topic_id", sub.TopicID,
			"status", status,
			"error", err,
		)
		return res, &PartialFailureError{Step: "schedule revisions", Err: err}
	}

	res.Revisions = created
	res.Created = len(created)
	res.Skipped = planned - len(created)

	if res.Created > 0 {
		dates := make([]string, len(created))
		for i, t := range created {
			dates[i] = t.ScheduledDate.Format(study.DateLayout)
		}
		s.logEvent(ctx, Event{
			UserID:    sub.UserID,
			TopicID:   sub.TopicID,
			EventType: EventRevisionsScheduled,
			Data:      map[string]any{"dates": dates, "status": string(status)},
		})
	}

	slog.Info("quiz processed",
		"user_id", sub.UserID,
		"topic_id", sub.TopicID,
		"status", status,
		"revisions_created", res.Created,
		"revisions_skipped", res.Skipped,
	)
	s.notifier.Notify(ctx, sub.UserID, UpdateQuizResult, res)
	return res, nil
}

// scheduleRevisions plans the revisions for status, drops dates that already
// hold one and stores the rest. It returns how many were planned and the
// tasks actually created.
func (s *Service) scheduleRevisions(ctx context.Context, userID, topicID string, status study.Status) (int, []study.StudyTask, error) {
	tasks, err := revision.Plan(topicID, status, s.today())
	if err != nil {
		return 0, nil, err
	}
	if len(tasks) == 0 {
		return 0, []study.StudyTask{}, nil
	}

	existing, err := s.store.RevisionDates(ctx, userID, topicID, revision.Dates(tasks))
	if err != nil {
		return len(tasks), nil, fmt.Errorf("query existing revisions: %w", err)
	}
	fresh := revision.Dedupe(tasks, existing)
	if len(fresh) == 0 {
		return len(tasks), []study.StudyTask{}, nil
	}

	created, err := s.store.InsertTasks(ctx, userID, fresh)
	if err != nil {
		return len(tasks), nil, fmt.Errorf("insert revisions: %w", err)
	}
	if created == nil {
		created = []study.StudyTask{}
	}
	return len(tasks), created, nil
}

// DailyPlan is today's view for one student.
type DailyPlan struct {
	UserID          string                   `json:"user_id"`
	Date            time.Time                `json:"date"`
	DailyStudyHours int                      `json:"daily_study_hours"`
	MaxTopicsToday  int                      `json:"max_topics_today"`
	Topics          []study.TopicRef         `json:"topics"`
	CompletedToday  []study.TopicRef         `json:"completed_today"`
	Subjects        []allocator.SubjectShare `json:"subjects"`
	Revisions       []study.StudyTask        `json:"revisions"`
	DaysUntilExam   *int                     `json:"days_until_exam,omitempty"`
	CurrentStreak   int                      `json:"current_streak"`
}

// TopicIDs returns the allocated topics followed by the ones completed today.
func (p DailyPlan) TopicIDs() []string {
	ids := make([]string, 0, len(p.Topics)+len(p.CompletedToday))
	for _, t := range p.Topics {
		ids = append(ids, t.ID)
	}
	for _, t := range p.CompletedToday {
		ids = append(ids, t.ID)
	}
	return ids
}

// TodayPlan returns the student's plan for today, computing it if the cache
// has nothing for today.
func (s *Service) TodayPlan(ctx context.Context, userID string) (DailyPlan, error) {
	if userID == "" {
		return DailyPlan{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	today := s.today()

	// The generation is read before any input so a change that lands while
	// the plan is built leaves this copy uncached.
	gen, err := s.plans.Generation(ctx, userID)
	cacheable := err == nil
	if err != nil {
		slog.Warn("plan cache generation read failed", "user_id", userID, "error", err)
	} else if cached, ok, err := s.plans.Get(ctx, userID, gen, today); err != nil {
		slog.Warn("plan cache read failed", "user_id", userID, "error", err)
	} else if ok {
		return *cached, nil
	}

	var (
		profile study.Profile
		topics  []study.TopicRef
		tasks   []study.StudyTask
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.GetProfile(gctx, userID)
		profile = p
		return err
	})
	g.Go(func() error {
		var err error
		topics, err = s.store.ListTopics(gctx, userID)
		if err != nil {
			return fmt.Errorf("list topics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		tasks, err = s.store.ListTasks(gctx, userID, study.AddDays(today, -overdueLookbackDays), today)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return DailyPlan{}, err
	}

	alloc, err := allocator.Allocate(topics, float64(profile.DailyStudyHours))
	if err != nil {
		return DailyPlan{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	plan := DailyPlan{
		UserID:          userID,
		Date:            today,
		DailyStudyHours: profile.DailyStudyHours,
		MaxTopicsToday:  alloc.MaxTopicsToday,
		Topics:          alloc.Topics,
		CompletedToday:  completedToday(topics, tasks, alloc.Topics, today, s.loc),
		Subjects:        alloc.Subjects,
		Revisions:       dueRevisions(tasks, today),
		CurrentStreak:   profile.CurrentStreak,
	}
	if profile.ExamDate != nil {
		days := study.DaysBetween(today, *profile.ExamDate)
		plan.DaysUntilExam = &days
	}

	if cacheable {
		if err := s.plans.Set(ctx, userID, gen, plan); err != nil {
			slog.Warn("plan cache write failed", "user_id", userID, "error", err)
		}
	}
	return plan, nil
}

// completedToday returns topics with a study task finished today, whatever
// day the task was scheduled for, that are not already in the allocated
// list. Topic order is kept.
func completedToday(topics []study.TopicRef, tasks []study.StudyTask, allocated []study.TopicRef, today time.Time, loc *time.Location) []study.TopicRef {
	done := make(map[string]bool)
	for _, t := range tasks {
		if t.TaskType == study.TaskStudy && t.CompletedAt != nil && study.SameDay(t.CompletedAt.In(loc), today) {
			done[t.TopicID] = true
		}
	}
	for _, t := range allocated {
		delete(done, t.ID)
	}

	out := []study.TopicRef{}
	for _, t := range topics {
		if done[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// dueRevisions returns open revision tasks scheduled today or earlier.
func dueRevisions(tasks []study.StudyTask, today time.Time) []study.StudyTask {
	out := []study.StudyTask{}
	for _, t := range tasks {
		if t.TaskType == study.TaskRevision && !t.IsCompleted && !t.ScheduledDate.After(today) {
			out = append(out, t)
		}
	}
	return out
}

// StartStudy records a study task for topicID today. Starting the same topic
// twice in a day returns the existing task.
func (s *Service) StartStudy(ctx context.Context, userID, topicID string, minutes int) (study.StudyTask, error) {
	if userID == "" || topicID == "" {
		return study.StudyTask{}, fmt.Errorf("%w: user_id and topic_id are required", ErrInvalidInput)
	}
	if minutes < 0 {
		return study.StudyTask{}, fmt.Errorf("%w: duration must not be negative", ErrInvalidInput)
	}
	if minutes == 0 {
		minutes = allocator.MinutesPerTopic
	}
	today := s.today()

	created, err := s.store.InsertTasks(ctx, userID, []study.StudyTask{{
		TopicID:         topicID,
		ScheduledDate:   today,
		TaskType:        study.TaskStudy,
		DurationMinutes: minutes,
	}})
	if err != nil {
		return study.StudyTask{}, fmt.Errorf("create study task: %w", err)
	}
	if len(created) == 1 {
		s.logEvent(ctx, Event{UserID: userID, TopicID: topicID, EventType: EventStudyStarted,
			Data: map[string]any{"duration_minutes": minutes}})
		s.planChanged(ctx, userID)
		return created[0], nil
	}

	tasks, err := s.store.ListTasks(ctx, userID, today, today)
	if err != nil {
		return study.StudyTask{}, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		if t.TopicID == topicID && t.TaskType == study.TaskStudy {
			return t, nil
		}
	}
	return study.StudyTask{}, fmt.Errorf("study task for topic %s: %w", topicID, ErrNotFound)
}

// CompleteTask marks a task done and advances the streak. If the task was
// completed but the streak write failed, the task is returned with a
// *PartialFailureError.
func (s *Service) CompleteTask(ctx context.Context, userID, taskID string) (study.StudyTask, study.Profile, error) {
	if userID == "" || taskID == "" {
		return study.StudyTask{}, study.Profile{}, fmt.Errorf("%w: user_id and task_id are required", ErrInvalidInput)
	}

	task, err := s.store.CompleteTask(ctx, userID, taskID, s.now())
	if err != nil {
		return study.StudyTask{}, study.Profile{}, fmt.Errorf("complete task: %w", err)
	}
	defer s.planChanged(ctx, userID)

	s.logEvent(ctx, Event{UserID: userID, TopicID: task.TopicID, EventType: EventTaskCompleted,
		Data: map[string]any{"task_id": task.ID, "task_type": string(task.TaskType)}})

	profile, err := s.advanceStreak(ctx, userID)
	if err != nil {
		slog.Error("streak update failed after task completion",
			"user_id", userID,
			"task_id", taskID,
			"error", err,
		)
		return *task, study.Profile{}, &PartialFailureError{Step: "advance streak", Err: err}
	}
	return *task, profile, nil
}

// NextStreak returns the streak after studying today given the current
// streak and the last study date.
func NextStreak(current int, last *time.Time, today time.Time) int {
	if last == nil {
		return 1
	}
	switch study.DaysBetween(*last, today) {
	case 0:
		return max(current, 1)
	case 1:
		return current + 1
	default:
		return 1
	}
}

// advanceStreak applies NextStreak with a compare-and-set on
// last_study_date, retrying when another request moved it first.
func (s *Service) advanceStreak(ctx context.Context, userID string) (study.Profile, error) {
	today := s.today()
	if _, err := s.store.GetProfile(ctx, userID); errors.Is(err, ErrNotFound) {
		if err := s.store.SaveProfile(ctx, s.defaultProfile(userID)); err != nil {
			return study.Profile{}, fmt.Errorf("create profile: %w", err)
		}
	} else if err != nil {
		return study.Profile{}, fmt.Errorf("load profile: %w", err)
	}

	for attempt := 0; attempt < s.streakRetries; attempt++ {
		p, err := s.store.GetProfile(ctx, userID)
		if err != nil {
			return study.Profile{}, fmt.Errorf("load profile: %w", err)
		}

		if p.LastStudyDate != nil && study.SameDay(*p.LastStudyDate, today) && p.CurrentStreak > 0 {
			return *p, nil
		}

		next := NextStreak(p.CurrentStreak, p.LastStudyDate, today)
		ok, err := s.store.AdvanceStreak(ctx, userID, p.LastStudyDate, next, today)
		if err != nil {
			return study.Profile{}, fmt.Errorf("advance streak: %w", err)
		}
		if ok {
			p.CurrentStreak = next
			p.LastStudyDate = &today
			return *p, nil
		}
		slog.Debug("streak compare-and-set lost, retrying", "user_id", userID, "attempt", attempt+1)
	}
	return study.Profile{}, ErrStreakConflict
}

func (s *Service) defaultProfile(userID string) study.Profile {
	return study.Profile{UserID: userID, DailyStudyHours: s.defaultHours}
}

// GetProfile returns the user's profile, or the default profile if none is
// stored yet.
func (s *Service) GetProfile(ctx context.Context, userID string) (study.Profile, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return s.defaultProfile(userID), nil
	}
	if err != nil {
		return study.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	return *p, nil
}

// UpdateProfile stores the user's planning settings. Streak fields in p are
// ignored.
func (s *Service) UpdateProfile(ctx context.Context, p study.Profile) (study.Profile, error) {
	if p.UserID == "" {
		return study.Profile{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if p.DailyStudyHours < 1 || p.DailyStudyHours > 24 {
		return study.Profile{}, fmt.Errorf("%w: daily_study_hours must be between 1 and 24, got %d", ErrInvalidInput, p.DailyStudyHours)
	}
	if p.ExamDate != nil {
		d := study.DateOf(*p.ExamDate)
		p.ExamDate = &d
	}
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return study.Profile{}, fmt.Errorf("save profile: %w", err)
	}
	s.planChanged(ctx, p.UserID)
	return s.GetProfile(ctx, p.UserID)
}

// ImportSyllabus stores a parsed syllabus for the user. New topics start
// pending unless the document says otherwise.
func (s *Service) ImportSyllabus(ctx context.Context, userID string, doc syllabus.Document) (ImportResult, error) {
	if userID == "" {
		return ImportResult{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	res, err := s.store.ImportSyllabus(ctx, userID, doc)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import syllabus: %w", err)
	}

	s.logEvent(ctx, Event{UserID: userID, EventType: EventSyllabusImported, Data: map[string]any{
		"subjects": res.Subjects,
		"chapters": res.Chapters,
		"topics":   res.Topics,
	}})
	s.planChanged(ctx, userID)
	slog.Info("syllabus imported", "user_id", userID, "subjects", res.Subjects, "topics", res.Topics)
	return res, nil
}

// ListTopics returns all of the user's topics in study order.
func (s *Service) ListTopics(ctx context.Context, userID string) ([]study.TopicRef, error) {
	return s.store.ListTopics(ctx, userID)
}

// ListTasks returns the user's tasks scheduled between from and to inclusive.
func (s *Service) ListTasks(ctx context.Context, userID string, from, to time.Time) ([]study.StudyTask, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end before start", ErrInvalidInput)
	}
	return s.store.ListTasks(ctx, userID, from, to)
}

// Today returns the service's current calendar date.
func (s *Service) Today() time.Time {
	return s.today()
}

func (s *Service) planChanged(ctx context.Context, userID string) {
	if err := s.plans.Invalidate(ctx, userID); err != nil {
		slog.Warn("plan cache invalidate failed", "user_id", userID, "error", err)
	}
	s.notifier.Notify(ctx, userID, UpdatePlanInvalidated, nil)
}

func (s *Service) logEvent(ctx context.Context, e Event) {
	if err := s.events.LogEvent(ctx, e); err != nil {
		slog.Warn("failed to log event", "type", e.EventType, "error", err)
	}
}
