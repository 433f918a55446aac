package planner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-planner/internal/planner"
	"github.com/p-n-ai/pai-planner/internal/study"
	"github.com/p-n-ai/pai-planner/internal/syllabus"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) AdvanceDays(n int) {
	c.mu.Lock()
	c.now = c.now.AddDate(0, 0, n)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, kind string, _ any) {
	n.mu.Lock()
	n.kinds = append(n.kinds, kind)
	n.mu.Unlock()
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.kinds {
		if k == kind {
			c++
		}
	}
	return c
}

// failingStore fails revision writes after the topic update succeeds.
type failingStore struct {
	*planner.MemoryStore
	insertErr   error
	advanceErr  error
	casFailures int
}

func (s *failingStore) InsertTasks(ctx context.Context, userID string, tasks []study.StudyTask) ([]study.StudyTask, error) {
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	return s.MemoryStore.InsertTasks(ctx, userID, tasks)
}

func (s *failingStore) AdvanceStreak(ctx context.Context, userID string, expected *time.Time, streak int, last time.Time) (bool, error) {
	if s.advanceErr != nil {
		return false, s.advanceErr
	}
	if s.casFailures > 0 {
		s.casFailures--
		return false, nil
	}
	return s.MemoryStore.AdvanceStreak(ctx, userID, expected, streak, last)
}

// interleavingStore runs during once ListTopics has read its snapshot, so a
// concurrent write lands between the plan's reads and its cache write.
type interleavingStore struct {
	*planner.MemoryStore
	mu     sync.Mutex
	during func()
}

func (s *interleavingStore) ListTopics(ctx context.Context, userID string) ([]study.TopicRef, error) {
	topics, err := s.MemoryStore.ListTopics(ctx, userID)
	s.mu.Lock()
	fn := s.during
	s.during = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return topics, err
}

type fixture struct {
	svc      *planner.Service
	store    *planner.MemoryStore
	events   *planner.MemoryEventLogger
	notifier *recordingNotifier
	clock    *testClock
	topics   []study.TopicRef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    planner.NewMemoryStore(),
		events:   planner.NewMemoryEventLogger(),
		notifier: &recordingNotifier{},
		clock:    newClock(day0.Add(9 * time.Hour)),
	}
	f.svc = planner.NewService(planner.ServiceConfig{
		Store:    f.store,
		Events:   f.events,
		Plans:    planner.NewMemoryPlanCache(),
		Notifier: f.notifier,
		Now:      f.clock.Now,
	})
	f.topics = seedTopics(t, f.store, "u1")
	return f
}

func dates(tasks []study.StudyTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ScheduledDate.Format(study.DateLayout)
	}
	return out
}

func TestSubmitQuiz_StrongSchedulesTwoRevisions(t *testing.T) {
	f := newFixture(t)
	topicID := f.topics[0].ID

	res, err := f.svc.SubmitQuiz(t.Context(), planner.QuizSubmission{
		UserID: "u1", TopicID: topicID, Score: 90, Confidence: study.ConfidenceHigh,
	})
	if err != nil {
		t.Fatalf("SubmitQuiz() error = %v", err)
	}
	if res.Status != study.StatusStrong || res.PreviousStatus != study.StatusPending || !res.TopicUpdated {
		t.Errorf("result = %+v", res)
	}
	got := dates(res.Revisions)
	if len(got) != 2 || got[0] != "2025-01-08" || got[1] != "2025-01-22" {
		t.Errorf("revision dates = %v, want [2025-01-08 2025-01-22]", got)
	}
	for _, r := range res.Revisions {
		if r.TaskType != study.TaskRevision || r.DurationMinutes != 20 || r.RequireQuiz {
			t.Errorf("revision = %+v", r)
		}
	}

	topic, err := f.store.GetTopic(t.Context(), "u1", topicID)
	if err != nil {
		t.Fatalf("GetTopic() error = %v", err)
	}
	if topic.Status != study.StatusStrong || topic.Confidence != study.ConfidenceHigh || *topic.LastQuizScore != 90 {
		t.Errorf("topic after quiz = %+v", topic.Topic)
	}

	if n := len(f.events.OfType(planner.EventQuizCompleted)); n != 1 {
		t.Errorf("quiz_completed events = %d, want 1", n)
	}
	if n := len(f.events.OfType(planner.EventRevisionsScheduled)); n != 1 {
		t.Errorf("revisions_scheduled events = %d, want 1", n)
	}
	if f.notifier.count(planner.UpdateQuizResult) != 1 {
		t.Error("expected a quiz_result notification")
	}
}

func TestSubmitQuiz_WeakRequiresFollowUpQuiz(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.SubmitQuiz(t.Context(), planner.QuizSubmission{
		UserID: "u1", TopicID: f.topics[0].ID, Score: 30, Confidence: study.ConfidenceLow,
	})
	if err != nil {
		t.Fatalf("SubmitQuiz() error = %v", err)
	}
	if res.Status != study.StatusWeak {
		t.Fatalf("Status = %q, want weak", res.Status)
	}
	if len(res.Revisions) != 1 || !res.Revisions[0].RequireQuiz || dates(res.Revisions)[0] != "2025-01-02" {
		t.Errorf("revisions = %+v", res.Revisions)
	}
}

func TestSubmitQuiz_RepeatCreatesNothing(t *testing.T) {
	f := newFixture(t)
	sub := planner.QuizSubmission{UserID: "u1", TopicID: f.topics[0].ID, Score: 60, Confidence: study.ConfidenceMedium}

	first, err := f.svc.SubmitQuiz(t.Context(), sub)
	if err != nil {
		t.Fatalf("SubmitQuiz() error = %v", err)
	}
	if first.Status != study.StatusNeedsRevision || first.Created != 2 {
		t.Fatalf("first = %+v", first)
	}

	second, err := f.svc.SubmitQuiz(t.Context(), sub)
	if err != nil {
		t.Fatalf("SubmitQuiz() second error = %v", err)
	}
	if second.Created != 0 || second.Skipped != 2 || len(second.Revisions) != 0 {
		t.Errorf("second = %+v, want no new revisions", second)
	}

	tasks, _ := f.store.ListTasks(t.Context(), "u1", day0, study.AddDays(day0, 30))
	if len(tasks) != 2 {
		t.Errorf("stored tasks = %d, want 2", len(tasks))
	}
}

func TestSubmitQuiz_OverlappingSchedulesShareDates(t *testing.T) {
	f := newFixture(t)
	topicID := f.topics[0].ID

	// needs_revision on day 0 -> days 3 and 7.
	if _, err := f.svc.SubmitQuiz(t.Context(), planner.QuizSubmission{
		UserID: "u1", TopicID: topicID, Score: 60, Confidence: study.ConfidenceMedium,
	}); err != nil {
		t.Fatalf("SubmitQuiz() error = %v", err)
	}

	// weak on day 6 -> day 7, which is already taken.
	f.clock.AdvanceDays(6)
	res, err := f.svc.SubmitQuiz(t.Context(), planner.QuizSubmission{
		UserID: "u1", TopicID: topicID, Score: 20, Confidence: study.ConfidenceLow,
	})
	if err != nil {
		t.Fatalf("SubmitQuiz() error = %v", err)
	}
	if res.Created != 0 || res.Skipped != 1 {
		t.Errorf("result = %+v, want the day-7 revision skipped", res)
	}
}

func TestSubmitQuiz_ConcurrentSameTopic(t *testing.T) {
	f := newFixture(t)
	sub := planner.QuizSubmission{UserID: "u1", TopicID: f.topics[0].ID, Score: 95, Confidence: study.ConfidenceHigh}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitQuiz(t.Context(), sub)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("SubmitQuiz() error = %v", err)
		}
	}

	tasks, _ := f.store.ListTasks(t.Context(), "u1", day0, study.AddDays(day0, 30))
	if len(tasks) != 2 {
		t.Errorf("stored tasks = %d, want 2", len(tasks))
	}
}

func TestSubmitQuiz_InvalidInput(t *testing.T) {
	f := newFixture(t)
	id := f.topics[0].ID

	tests := []struct {
		name string
		sub  planner.QuizSubmission
	}{
		{"score too high", planner.QuizSubmission{UserID: "u1", TopicID: id, Score: 101, Confidence: study.ConfidenceHigh}},
		{"negative score", planner.QuizSubmission{UserID: "u1", TopicID: id, Score: -1, Confidence: study.ConfidenceHigh}},
		{"missing confidence", planner.QuizSubmission{UserID: "u1", TopicID: id, Score: 50}},
		{"missing user", planner.QuizSubmission{TopicID: id, Score: 50, Confidence: study.ConfidenceLow}},
		{"missing topic", planner.QuizSubmission{UserID: "u1", Score: 50, Confidence: study.ConfidenceLow}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitQuiz(t.Context(), tt.sub)
			if !errors.Is(err, planner.ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
		})
	}

	topic, _ := f.store.GetTopic(t.Context(), "u1", id)
	if topic.Status != study.StatusPending || topic.LastQuizScore != nil {
		t.Errorf("topic changed by rejected submissions: %+v", topic.Topic)
	}
}

func TestSubmitQuiz_UnknownTopic(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitQuiz(t.Context(), planner.QuizSubmission{
		UserID: "u1", TopicID: "missing", Score: 80, Confidence: study.ConfidenceHigh,
	})
	if !errors.Is(err, planner.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSubmitQuiz_PartialFailureKeepsTopicUpdate(t *testing.T) {
	mem := planner.NewMemoryStore()
	store := &failingStore{MemoryStore: mem, insertErr: errors.New("disk full")}
	svc := planner.NewService(planner.ServiceConfig{Store: store, Now: func() time.Time { return day0 }})
	topics := seedTopics(t, mem, "u1")

	res, err := svc.SubmitQuiz(t.Context(), planner.QuizSubmission{
		UserID: "u1", TopicID: topics[0].ID, Score: 85, Confidence: study.ConfidenceHigh,
	})

	var partial *planner.PartialFailureError
	if !errors.As(err, &partial) {
		t.Fatalf("error = %v, want *PartialFailureError", err)
	}
	if partial.Step != "schedule revisions" {
		t.Errorf("Step = %q", partial.Step)
	}
	if !res.TopicUpdated || res.Status != study.StatusStrong {
		t.Errorf("result = %+v, want topic update reported", res)
	}

	topic, _ := mem.GetTopic(t.Context(), "u1", topics[0].ID)
	if topic.Status != study.StatusStrong {
		t.Errorf("topic status = %q, want strong kept", topic.Status)
	}
}

func TestTodayPlan_AllocatesPendingTopics(t *testing.T) {
	f := newFixture(t)

	plan, err := f.svc.TodayPlan(t.Context(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan() error = %v", err)
	}
	if !plan.Date.Equal(day0) {
		t.Errorf("Date = %v, want %v", plan.Date, day0)
	}
	if plan.DailyStudyHours != 2 || plan.MaxTopicsToday != 4 {
		t.Errorf("hours=%d max=%d, want defaults 2 and 4", plan.DailyStudyHours, plan.MaxTopicsToday)
	}
	// Only the two Mathematics topics are pending.
	if len(plan.Topics) != 2 || len(plan.Subjects) != 1 || plan.Subjects[0].SubjectName != "Mathematics" {
		t.Errorf("plan = %+v", plan)
	}
	if plan.DaysUntilExam != nil {
		t.Errorf("DaysUntilExam = %v, want nil without exam date", *plan.DaysUntilExam)
	}
}

func TestTodayPlan_WeightsByConfidence(t *testing.T) {
	store := planner.NewMemoryStore()
	svc := planner.NewService(planner.ServiceConfig{Store: store, Now: func() time.Time { return day0 }})

	topicsOf := func(n int, c study.Confidence) []syllabus.Topic {
		out := make([]syllabus.Topic, n)
		for i := range out {
			out[i] = syllabus.Topic{Name: "t" + string(rune('a'+i)), Confidence: c}
		}
		return out
	}
	doc := syllabus.Document{Subjects: []syllabus.Subject{
		{Name: "A", Chapters: []syllabus.Chapter{{Name: "a1", Topics: topicsOf(10, study.ConfidenceLow)}}},
		{Name: "B", Chapters: []syllabus.Chapter{{Name: "b1", Topics: topicsOf(10, study.ConfidenceHigh)}}},
	}}
	if _, err := svc.ImportSyllabus(t.Context(), "u1", doc); err != nil {
		t.Fatalf("ImportSyllabus() error = %v", err)
	}
	if _, err := svc.UpdateProfile(t.Context(), study.Profile{UserID: "u1", DailyStudyHours: 3}); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}

	plan, err := svc.TodayPlan(t.Context(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan() error = %v", err)
	}
	if len(plan.Subjects) != 2 {
		t.Fatalf("subjects = %+v", plan.Subjects)
	}
	if plan.Subjects[0].SubjectName != "A" || plan.Subjects[0].TopicCount != 4 {
		t.Errorf("first subject = %+v, want A with 4", plan.Subjects[0])
	}
	if plan.Subjects[1].SubjectName != "B" || plan.Subjects[1].TopicCount != 2 {
		t.Errorf("second subject = %+v, want B with 2", plan.Subjects[1])
	}
}

func TestTodayPlan_CacheInvalidatedByQuiz(t *testing.T) {
	f := newFixture(t)

	before, err := f.svc.TodayPlan(t.Context(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan() error = %v", err)
	}
	if len(before.Topics) != 2 {
		t.Fatalf("topics before = %d, want 2", len(before.Topics))
	}

	if _, err := f.svc.SubmitQuiz(t.Context(), planner.QuizSubmission{
		UserID: "u1", TopicID: before.Topics[0].ID, Score: 90, Confidence: study.ConfidenceHigh,
	}); err != nil {
		t.Fatalf("SubmitQuiz() error = %v", err)
	}

	after, err := f.svc.TodayPlan(t.Context(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan() error = %v", err)
	}
	if len(after.Topics) != 1 {
		t.Errorf("topics after quiz = %d, want 1 (stale cache?)", len(after.Topics))
	}
	if f.notifier.count(planner.UpdatePlanInvalidated) == 0 {
		t.Error("expected plan_invalidated notification")
	}
}

func TestTodayPlan_ChangeDuringBuildIsNotCached(t *testing.T) {
	store := &interleavingStore{MemoryStore: planner.NewMemoryStore()}
	svc := planner.NewService(planner.ServiceConfig{
		Store: store,
		Plans: planner.NewMemoryPlanCache(),
		Now:   func() time.Time { return day0.Add(9 * time.Hour) },
	})
	topics := seedTopics(t, store.MemoryStore, "u1")
	quizzed := topics[0].ID

	store.during = func() {
		if _, err := svc.SubmitQuiz(context.Background(), planner.QuizSubmission{
			UserID: "u1", TopicID: quizzed, Score: 90, Confidence: study.ConfidenceHigh,
		}); err != nil {
			t.Errorf("SubmitQuiz() error = %v", err)
		}
	}
	if _, err := svc.TodayPlan(t.Context(), "u1"); err != nil {
		t.Fatalf("TodayPlan() error = %v", err)
	}

	plan, err := svc.TodayPlan(t.Context(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan() second error = %v", err)
	}
	for _, tp := range plan.Topics {
		if tp.ID == quizzed {
			t.Fatalf("plan still allocates %s after a quiz marked it strong; topics = %v", quizzed, plan.TopicIDs())
		}
	}
	if len(plan.Topics) != 1 {
		t.Errorf("topics = %v, want only the remaining pending topic", plan.TopicIDs())
	}
}

func TestTodayPlan_ShowsDueRevisionsAndExamCountdown(t *testing.T) {
	f := newFixture(t)

	exam := study.AddDays(day0, 30)
	if _, err := f.svc.UpdateProfile(t.Context(), study.Profile{UserID: "u1", DailyStudyHours: 2, ExamDate: &exam}); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if _, err := f.svc.SubmitQuiz(t.Context(), planner.QuizSubmission{
		UserID: "u1", TopicID: f.topics[0].ID, Score: 10, Confidence: study.ConfidenceLow,
	}); err != nil {
		t.Fatalf("SubmitQuiz() error = %v", err)
	}

	f.clock.AdvanceDays(2) // the day-1 revision is now overdue
	plan, err := f.svc.TodayPlan(t.Context(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan() error = %v", err)
	}
	if len(plan.Revisions) != 1 || plan.Revisions[0].TopicID != f.topics[0].ID {
		t.Errorf("Revisions = %+v, want the overdue weak revision", plan.Revisions)
	}
	if plan.DaysUntilExam == nil || *plan.DaysUntilExam != 28 {
		t.Errorf("DaysUntilExam = %v, want 28", plan.DaysUntilExam)
	}
}

func TestTodayPlan_IncludesTopicsCompletedToday(t *testing.T) {
	f := newFixture(t)
	topicID := f.topics[0].ID

	task, err := f.svc.StartStudy(t.Context(), "u1", topicID, 0)
	if err != nil {
		t.Fatalf("StartStudy() error = %v", err)
	}
	if task.DurationMinutes != 30 || task.TaskType != study.TaskStudy {
		t.Errorf("study task = %+v", task)
	}
	if _, _, err := f.svc.CompleteTask(t.Context(), "u1", task.ID); err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	if _, err := f.svc.SubmitQuiz(t.Context(), planner.QuizSubmission{
		UserID: "u1", TopicID: topicID, Score: 90, Confidence: study.ConfidenceHigh,
	}); err != nil {
		t.Fatalf("SubmitQuiz() error = %v", err)
	}

	plan, err := f.svc.TodayPlan(t.Context(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan() error = %v", err)
	}
	if len(plan.CompletedToday) != 1 || plan.CompletedToday[0].ID != topicID {
		t.Errorf("CompletedToday = %+v, want the studied topic", plan.CompletedToday)
	}
	for _, tp := range plan.Topics {
		if tp.ID == topicID {
			t.Error("studied topic should not be allocated again")
		}
	}
	ids := plan.TopicIDs()
	if ids[len(ids)-1] != topicID {
		t.Errorf("TopicIDs() = %v, want completed topic last", ids)
	}
}

func TestTodayPlan_CompletedTodayUsesCompletionDate(t *testing.T) {
	f := newFixture(t)
	topicID := f.topics[0].ID

	task, err := f.svc.StartStudy(t.Context(), "u1", topicID, 30)
	if err != nil {
		t.Fatalf("StartStudy() error = %v", err)
	}
	f.clock.AdvanceDays(1) // started yesterday, finished today
	if _, _, err := f.svc.CompleteTask(t.Context(), "u1", task.ID); err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	if _, err := f.svc.SubmitQuiz(t.Context(), planner.QuizSubmission{
		UserID: "u1", TopicID: topicID, Score: 90, Confidence: study.ConfidenceHigh,
	}); err != nil {
		t.Fatalf("SubmitQuiz() error = %v", err)
	}

	plan, err := f.svc.TodayPlan(t.Context(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan() error = %v", err)
	}
	if len(plan.CompletedToday) != 1 || plan.CompletedToday[0].ID != topicID {
		t.Errorf("CompletedToday = %+v, want the topic finished today", plan.CompletedToday)
	}

	f.clock.AdvanceDays(1)
	next, err := f.svc.TodayPlan(t.Context(), "u1")
	if err != nil {
		t.Fatalf("TodayPlan() next day error = %v", err)
	}
	if len(next.CompletedToday) != 0 {
		t.Errorf("CompletedToday the day after = %+v, want none", next.CompletedToday)
	}
}

func TestStartStudy_SameDayReturnsExisting(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.StartStudy(t.Context(), "u1", f.topics[0].ID, 45)
	if err != nil {
		t.Fatalf("StartStudy() error = %v", err)
	}
	second, err := f.svc.StartStudy(t.Context(), "u1", f.topics[0].ID, 45)
	if err != nil {
		t.Fatalf("StartStudy() second error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("second StartStudy created %s, want existing %s", second.ID, first.ID)
	}
	if n := len(f.events.OfType(planner.EventStudyStarted)); n != 1 {
		t.Errorf("study_started events = %d, want 1", n)
	}

	if _, err := f.svc.StartStudy(t.Context(), "u1", f.topics[0].ID, -5); !errors.Is(err, planner.ErrInvalidInput) {
		t.Errorf("negative duration error = %v, want ErrInvalidInput", err)
	}
}

func TestCompleteTask_Streak(t *testing.T) {
	f := newFixture(t)

	complete := func() study.Profile {
		t.Helper()
		task, err := f.svc.StartStudy(t.Context(), "u1", f.topics[0].ID, 0)
		if err != nil {
			t.Fatalf("StartStudy() error = %v", err)
		}
		_, p, err := f.svc.CompleteTask(t.Context(), "u1", task.ID)
		if err != nil {
			t.Fatalf("CompleteTask() error = %v", err)
		}
		return p
	}

	if p := complete(); p.CurrentStreak != 1 {
		t.Errorf("day 0 streak = %d, want 1", p.CurrentStreak)
	}
	if p := complete(); p.CurrentStreak != 1 {
		t.Errorf("same day streak = %d, want 1", p.CurrentStreak)
	}
	f.clock.AdvanceDays(1)
	if p := complete(); p.CurrentStreak != 2 {
		t.Errorf("next day streak = %d, want 2", p.CurrentStreak)
	}
	f.clock.AdvanceDays(3)
	if p := complete(); p.CurrentStreak != 1 {
		t.Errorf("after gap streak = %d, want 1", p.CurrentStreak)
	}
}

func TestCompleteTask_RetriesLostCompareAndSet(t *testing.T) {
	mem := planner.NewMemoryStore()
	store := &failingStore{MemoryStore: mem, casFailures: 2}
	svc := planner.NewService(planner.ServiceConfig{Store: store, Now: func() time.Time { return day0 }})
	topics := seedTopics(t, mem, "u1")

	task, err := svc.StartStudy(t.Context(), "u1", topics[0].ID, 0)
	if err != nil {
		t.Fatalf("StartStudy() error = %v", err)
	}
	_, p, err := svc.CompleteTask(t.Context(), "u1", task.ID)
	if err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	if p.CurrentStreak != 1 {
		t.Errorf("streak = %d, want 1", p.CurrentStreak)
	}
}

func TestCompleteTask_StreakFailureIsPartial(t *testing.T) {
	mem := planner.NewMemoryStore()
	store := &failingStore{MemoryStore: mem, casFailures: 100}
	svc := planner.NewService(planner.ServiceConfig{Store: store, Now: func() time.Time { return day0 }})
	topics := seedTopics(t, mem, "u1")

	task, _ := svc.StartStudy(t.Context(), "u1", topics[0].ID, 0)
	done, _, err := svc.CompleteTask(t.Context(), "u1", task.ID)

	var partial *planner.PartialFailureError
	if !errors.As(err, &partial) || !errors.Is(err, planner.ErrStreakConflict) {
		t.Fatalf("error = %v, want partial failure wrapping ErrStreakConflict", err)
	}
	if !done.IsCompleted {
		t.Error("task completion should be kept")
	}
}

func TestCompleteTask_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.svc.CompleteTask(t.Context(), "u1", "missing"); !errors.Is(err, planner.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestNextStreak(t *testing.T) {
	today := study.AddDays(day0, 10)
	yesterday := study.AddDays(today, -1)
	lastWeek := study.AddDays(today, -7)

	tests := []struct {
		name    string
		current int
		last    *time.Time
		want    int
	}{
		{"first study", 0, nil, 1},
		{"already today", 4, &today, 4},
		{"yesterday", 4, &yesterday, 5},
		{"gap", 4, &lastWeek, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := planner.NextStreak(tt.current, tt.last, today); got != tt.want {
				t.Errorf("NextStreak() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.GetProfile(t.Context(), "u1")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if p.DailyStudyHours != 2 {
		t.Errorf("default hours = %d, want 2", p.DailyStudyHours)
	}

	exam := time.Date(2025, 6, 1, 18, 30, 0, 0, time.UTC)
	saved, err := f.svc.UpdateProfile(t.Context(), study.Profile{UserID: "u1", DailyStudyHours: 5, ExamDate: &exam})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if saved.DailyStudyHours != 5 || saved.ExamDate == nil || saved.ExamDate.Hour() != 0 {
		t.Errorf("saved = %+v, want hours 5 and exam date truncated", saved)
	}

	for _, hours := range []int{0, -1, 25} {
		if _, err := f.svc.UpdateProfile(t.Context(), study.Profile{UserID: "u1", DailyStudyHours: hours}); !errors.Is(err, planner.ErrInvalidInput) {
			t.Errorf("hours %d: error = %v, want ErrInvalidInput", hours, err)
		}
	}
}

func TestListTasks_RejectsReversedRange(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.ListTasks(t.Context(), "u1", study.AddDays(day0, 1), day0); !errors.Is(err, planner.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestImportSyllabus_LogsEvent(t *testing.T) {
	events := planner.NewMemoryEventLogger()
	svc := planner.NewService(planner.ServiceConfig{Events: events})

	res, err := svc.ImportSyllabus(t.Context(), "u9", sampleDoc())
	if err != nil {
		t.Fatalf("ImportSyllabus() error = %v", err)
	}
	if res.Topics != 3 {
		t.Errorf("Topics = %d, want 3", res.Topics)
	}
	if len(events.OfType(planner.EventSyllabusImported)) != 1 {
		t.Error("expected syllabus_imported event")
	}
	topics, _ := svc.ListTopics(t.Context(), "u9")
	if len(topics) != 3 {
		t.Errorf("ListTopics() = %d, want 3", len(topics))
	}
}
