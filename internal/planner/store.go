package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-planner/internal/study"
	"github.com/p-n-ai/pai-planner/internal/syllabus"
)

// ErrNotFound is returned when a record does not exist for the user.
var ErrNotFound = errors.New("not found")

// ImportResult counts what an import created.
type ImportResult struct {
	Subjects int `json:"subjects"`
	Chapters int `json:"chapters"`
	Topics   int `json:"topics"`
}

// MasteryUpdate is the write-back after a quiz.
type MasteryUpdate struct {
	Status     study.Status
	Confidence study.Confidence
	Score      int
}

// Store persists syllabus records, tasks and profiles. Every method is scoped
// to a single user.
type Store interface {
	ImportSyllabus(ctx context.Context, userID string, doc syllabus.Document) (ImportResult, error)
	ListTopics(ctx context.Context, userID string) ([]study.TopicRef, error)
	GetTopic(ctx context.Context, userID, topicID string) (*study.TopicRef, error)
	UpdateTopicMastery(ctx context.Context, userID, topicID string, u MasteryUpdate) error

	// RevisionDates returns the dates among dates that already hold a
	// revision task for the topic.
	RevisionDates(ctx context.Context, userID, topicID string, dates []time.Time) ([]time.Time, error)
	// InsertTasks stores tasks and returns the ones that were new. A task
	// whose (user, topic, date, type) slot is taken is skipped without error.
	InsertTasks(ctx context.Context, userID string, tasks []study.StudyTask) ([]study.StudyTask, error)
	ListTasks(ctx context.Context, userID string, from, to time.Time) ([]study.StudyTask, error)
	CompleteTask(ctx context.Context, userID, taskID string, at time.Time) (*study.StudyTask, error)

	GetProfile(ctx context.Context, userID string) (*study.Profile, error)
	SaveProfile(ctx context.Context, p study.Profile) error
	// AdvanceStreak sets the streak only if last_study_date still equals
	// expected (nil meaning unset). It reports whether the write happened.
	AdvanceStreak(ctx context.Context, userID string, expected *time.Time, streak int, last time.Time) (bool, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	subjects map[string]*study.Subject
	chapters map[string]*study.Chapter
	topics   map[string]*study.Topic
	owner    map[string]string // topic ID -> user ID
	tasks    map[string]*study.StudyTask
	slots    map[study.TaskKey]string
	profiles map[string]*study.Profile
	order    []string // subject IDs in creation order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects: make(map[string]*study.Subject),
		chapters: make(map[string]*study.Chapter),
		topics:   make(map[string]*study.Topic),
		owner:    make(map[string]string),
		tasks:    make(map[string]*study.StudyTask),
		slots:    make(map[study.TaskKey]string),
		profiles: make(map[string]*study.Profile),
	}
}

func (s *MemoryStore) ImportSyllabus(_ context.Context, userID string, doc syllabus.Document) (ImportResult, error) {
	if userID == "" {
		return ImportResult{}, fmt.Errorf("user_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res ImportResult
	for _, ds := range doc.Subjects {
		subj := s.findSubject(userID, ds.Name)
		if subj == nil {
			subj = &study.Subject{ID: uuid.NewString(), UserID: userID, Name: ds.Name, Color: ds.Color}
			s.subjects[subj.ID] = subj
			s.order = append(s.order, subj.ID)
			res.Subjects++
		}
		base := len(subj.Chapters)
		for ci, dc := range ds.Chapters {
			ch := study.Chapter{ID: uuid.NewString(), SubjectID: subj.ID, Name: dc.Name, OrderIndex: base + ci}
			s.chapters[ch.ID] = &ch
			res.Chapters++
			for ti, dt := range dc.Topics {
				status := dt.Status
				if status == "" {
					status = study.StatusPending
				}
				tp := &study.Topic{
					ID:         uuid.NewString(),
					ChapterID:  ch.ID,
					Name:       dt.Name,
					Content:    dt.Content,
					OrderIndex: ti,
					Status:     status,
					Confidence: dt.Confidence,
				}
				s.topics[tp.ID] = tp
				s.owner[tp.ID] = userID
				ch.Topics = append(ch.Topics, *tp)
				res.Topics++
			}
			subj.Chapters = append(subj.Chapters, ch)
		}
	}
	return res, nil
}

// findSubject looks a subject up by folded name. Callers hold s.mu.
func (s *MemoryStore) findSubject(userID, name string) *study.Subject {
	key := syllabus.FoldName(name)
	for _, id := range s.order {
		subj := s.subjects[id]
		if subj.UserID == userID && syllabus.FoldName(subj.Name) == key {
			return subj
		}
	}
	return nil
}

func (s *MemoryStore) ListTopics(_ context.Context, userID string) ([]study.TopicRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []study.TopicRef
	for _, id := range s.order {
		subj := s.subjects[id]
		if subj.UserID != userID {
			continue
		}
		for _, ch := range subj.Chapters {
			for _, snapshot := range ch.Topics {
				tp := s.topics[snapshot.ID]
				refs = append(refs, s.ref(subj, &ch, tp))
			}
		}
	}
	return refs, nil
}

func (s *MemoryStore) ref(subj *study.Subject, ch *study.Chapter, tp *study.Topic) study.TopicRef {
	t := *tp
	if tp.LastQuizScore != nil {
		score := *tp.LastQuizScore
		t.LastQuizScore = &score
	}
	return study.TopicRef{
		Topic:        t,
		SubjectID:    subj.ID,
		SubjectName:  subj.Name,
		SubjectColor: subj.Color,
		ChapterName:  ch.Name,
	}
}

func (s *MemoryStore) GetTopic(_ context.Context, userID, topicID string) (*study.TopicRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tp, ok := s.topics[topicID]
	if !ok || s.owner[topicID] != userID {
		return nil, fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
	}
	ch := s.chapters[tp.ChapterID]
	ref := s.ref(s.subjects[ch.SubjectID], ch, tp)
	return &ref, nil
}

func (s *MemoryStore) UpdateTopicMastery(_ context.Context, userID, topicID string, u MasteryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tp, ok := s.topics[topicID]
	if !ok || s.owner[topicID] != userID {
		return fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
	}
	score := u.Score
	tp.Status = u.Status
	tp.Confidence = u.Confidence
	tp.LastQuizScore = &score
	return nil
}

func (s *MemoryStore) RevisionDates(_ context.Context, userID, topicID string, dates []time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []time.Time
	for _, d := range dates {
		key := study.TaskKey{UserID: userID, TopicID: topicID, Date: study.DateOf(d), Type: study.TaskRevision}
		if _, ok := s.slots[key]; ok {
			found = append(found, key.Date)
		}
	}
	return found, nil
}

func (s *MemoryStore) InsertTasks(_ context.Context, userID string, tasks []study.StudyTask) ([]study.StudyTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var created []study.StudyTask
	for _, t := range tasks {
		if !t.TaskType.Valid() {
			return created, fmt.Errorf("invalid task type %q", t.TaskType)
		}
		if s.owner[t.TopicID] != userID {
			return created, fmt.Errorf("topic %s: %w", t.TopicID, ErrNotFound)
		}
		t.UserID = userID
		t.ScheduledDate = study.DateOf(t.ScheduledDate)
		key := t.Key()
		if _, taken := s.slots[key]; taken {
			continue
		}
		t.ID = uuid.NewString()
		s.slots[key] = t.ID
		stored := t
		s.tasks[t.ID] = &stored
		created = append(created, t)
	}
	return created, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, userID string, from, to time.Time) ([]study.StudyTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to = study.DateOf(from), study.DateOf(to)
	var out []study.StudyTask
	for _, t := range s.tasks {
		if t.UserID != userID {
			continue
		}
		if t.ScheduledDate.Before(from) || t.ScheduledDate.After(to) {
			continue
		}
		out = append(out, *t)
	}
	sortTasks(out)
	return out, nil
}

func sortTasks(tasks []study.StudyTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].ScheduledDate.Equal(tasks[j].ScheduledDate) {
			return tasks[i].ScheduledDate.Before(tasks[j].ScheduledDate)
		}
		if tasks[i].TopicID != tasks[j].TopicID {
			return tasks[i].TopicID < tasks[j].TopicID
		}
		return tasks[i].TaskType < tasks[j].TaskType
	})
}

func (s *MemoryStore) CompleteTask(_ context.Context, userID, taskID string, at time.Time) (*study.StudyTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.UserID != userID {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if !t.IsCompleted {
		t.IsCompleted = true
		t.CompletedAt = &at
	}
	out := *t
	return &out, nil
}

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (*study.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	out := *p
	return &out, nil
}

func (s *MemoryStore) SaveProfile(_ context.Context, p study.Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.profiles[p.UserID]; ok {
		// Streak fields are owned by AdvanceStreak.
		p.CurrentStreak = existing.CurrentStreak
		p.LastStudyDate = existing.LastStudyDate
	}
	s.profiles[p.UserID] = &p
	return nil
}

func (s *MemoryStore) AdvanceStreak(_ context.Context, userID string, expected *time.Time, streak int, last time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return false, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if !sameOptionalDay(p.LastStudyDate, expected) {
		return false, nil
	}
	d := study.DateOf(last)
	p.CurrentStreak = streak
	p.LastStudyDate = &d
	return true, nil
}

func sameOptionalDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return study.SameDay(*a, *b)
}
