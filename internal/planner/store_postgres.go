package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-planner/internal/study"
	"github.com/p-n-ai/pai-planner/internal/syllabus"
)

const dbTimeout = 5 * time.Second

const topicRefColumns = `t.id::text, t.chapter_id::text, t.name, t.content, t.order_index,
	t.status, t.confidence, t.last_quiz_score,
	s.id::text, s.name, s.color, c.name`

const taskColumns = `id::text, user_id, topic_id::text, scheduled_date, task_type,
	duration_minutes, is_completed, require_quiz, completed_at`

// PostgresStore is a PostgreSQL-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store. The schema must already
// be applied (see database.Migrate).
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) ImportSyllabus(ctx context.Context, userID string, doc syllabus.Document) (ImportResult, error) {
	if userID == "" {
		return ImportResult{}, fmt.Errorf("user_id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ImportResult{}, fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var res ImportResult
	for _, ds := range doc.Subjects {
		subjectID, created, err := upsertSubject(ctx, tx, userID, ds)
		if err != nil {
			return ImportResult{}, err
		}
		if created {
			res.Subjects++
		}

		var base int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(order_index) + 1, 0) FROM chapters WHERE subject_id = $1::uuid`,
			subjectID,
		).Scan(&base); err != nil {
			return ImportResult{}, fmt.Errorf("next chapter index: %w", err)
		}

		for ci, dc := range ds.Chapters {
			var chapterID string
			if err := tx.QueryRow(ctx,
				`INSERT INTO chapters (subject_id, name, order_index)
				 VALUES ($1::uuid, $2, $3)
				 RETURNING id::text`,
				subjectID, dc.Name, base+ci,
			).Scan(&chapterID); err != nil {
				return ImportResult{}, fmt.Errorf("insert chapter: %w", err)
			}
			res.Chapters++

			for ti, dt := range dc.Topics {
				status := dt.Status
				if status == "" {
					status = study.StatusPending
				}
				if _, err := tx.Exec(ctx,
					`INSERT INTO topics (chapter_id, user_id, name, content, order_index, status, confidence)
					 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)`,
					chapterID, userID, dt.Name, dt.Content, ti, string(status), string(dt.Confidence),
				); err != nil {
					return ImportResult{}, fmt.Errorf("insert topic: %w", err)
				}
				res.Topics++
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ImportResult{}, fmt.Errorf("commit import: %w", err)
	}
	return res, nil
}

// upsertSubject returns the subject matching ds by folded name, creating it
// if needed.
func upsertSubject(ctx context.Context, tx pgx.Tx, userID string, ds syllabus.Subject) (string, bool, error) {
	key := syllabus.FoldName(ds.Name)

	var id string
	err := tx.QueryRow(ctx,
		`INSERT INTO subjects (user_id, name, name_key, color)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, name_key) DO NOTHING
		 RETURNING id::text`,
		userID, ds.Name, key, ds.Color,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("insert subject: %w", err)
	}

	if err := tx.QueryRow(ctx,
		`SELECT id::text FROM subjects WHERE user_id = $1 AND name_key = $2`,
		userID, key,
	).Scan(&id); err != nil {
		return "", false, fmt.Errorf("lookup subject: %w", err)
	}
	return id, false, nil
}

func (s *PostgresStore) ListTopics(ctx context.Context, userID string) ([]study.TopicRef, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+topicRefColumns+`
		 FROM topics t
		 JOIN chapters c ON c.id = t.chapter_id
		 JOIN subjects s ON s.id = c.subject_id
		 WHERE s.user_id = $1
		 ORDER BY s.seq, c.order_index, t.order_index`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	var refs []study.TopicRef
	for rows.Next() {
		ref, err := scanTopicRef(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	return refs, nil
}

func (s *PostgresStore) GetTopic(ctx context.Context, userID, topicID string) (*study.TopicRef, error) {
	if _, err := uuid.Parse(topicID); err != nil {
		return nil, fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`SELECT `+topicRefColumns+`
		 FROM topics t
		 JOIN chapters c ON c.id = t.chapter_id
		 JOIN subjects s ON s.id = c.subject_id
		 WHERE t.id = $1::uuid AND t.user_id = $2`,
		topicID, userID,
	)
	ref, err := scanTopicRef(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func scanTopicRef(row pgx.Row) (study.TopicRef, error) {
	var (
		ref        study.TopicRef
		status     string
		confidence string
	)
	err := row.Scan(
		&ref.ID,
		&ref.ChapterID,
		&ref.Name,
		&ref.Content,
		&ref.OrderIndex,
		&status,
		&confidence,
		&ref.LastQuizScore,
		&ref.SubjectID,
		&ref.SubjectName,
		&ref.SubjectColor,
		&ref.ChapterName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ref, err
	}
	if err != nil {
		return ref, fmt.Errorf("scan topic: %w", err)
	}
	ref.Status = study.Status(status)
	ref.Confidence = study.Confidence(confidence)
	return ref, nil
}

func (s *PostgresStore) UpdateTopicMastery(ctx context.Context, userID, topicID string, u MasteryUpdate) error {
	if _, err := uuid.Parse(topicID); err != nil {
		return fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := s.pool.Exec(ctx,
		`UPDATE topics
		 SET status = $3, confidence = $4, last_quiz_score = $5, updated_at = NOW()
		 WHERE id = $1::uuid AND user_id = $2`,
		topicID, userID, string(u.Status), string(u.Confidence), u.Score,
	)
	if err != nil {
		return fmt.Errorf("update topic mastery: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) RevisionDates(ctx context.Context, userID, topicID string, dates []time.Time) ([]time.Time, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	if _, err := uuid.Parse(topicID); err != nil {
		return nil, fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
	}

	days := make([]time.Time, len(dates))
	for i, d := range dates {
		days[i] = study.DateOf(d)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT scheduled_date
		 FROM study_tasks
		 WHERE user_id = $1
		   AND topic_id = $2::uuid
		   AND task_type = $3
		   AND scheduled_date = ANY($4::date[])
		 ORDER BY scheduled_date`,
		userID, topicID, string(study.TaskRevision), days,
	)
	if err != nil {
		return nil, fmt.Errorf("query revision dates: %w", err)
	}
	defer rows.Close()

	var found []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan revision date: %w", err)
		}
		found = append(found, study.DateOf(d))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revision dates: %w", err)
	}
	return found, nil
}

func (s *PostgresStore) InsertTasks(ctx context.Context, userID string, tasks []study.StudyTask) ([]study.StudyTask, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert tasks: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	owned := make(map[string]bool)
	var created []study.StudyTask
	for _, t := range tasks {
		if !t.TaskType.Valid() {
			return nil, fmt.Errorf("invalid task type %q", t.TaskType)
		}
		if !owned[t.TopicID] {
			if err := ensureTopicOwner(ctx, tx, userID, t.TopicID); err != nil {
				return nil, err
			}
			owned[t.TopicID] = true
		}

		t.UserID = userID
		t.ScheduledDate = study.DateOf(t.ScheduledDate)
		err := tx.QueryRow(ctx,
			`INSERT INTO study_tasks (user_id, topic_id, scheduled_date, task_type, duration_minutes, require_quiz)
			 VALUES ($1, $2::uuid, $3::date, $4, $5, $6)
			 ON CONFLICT (user_id, topic_id, scheduled_date, task_type) DO NOTHING
			 RETURNING id::text`,
			userID, t.TopicID, t.ScheduledDate, string(t.TaskType), t.DurationMinutes, t.RequireQuiz,
		).Scan(&t.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		created = append(created, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tasks: %w", err)
	}
	return created, nil
}

func ensureTopicOwner(ctx context.Context, tx pgx.Tx, userID, topicID string) error {
	if _, err := uuid.Parse(topicID); err != nil {
		return fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
	}
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM topics WHERE id = $1::uuid AND user_id = $2)`,
		topicID, userID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check topic owner: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, userID string, from, to time.Time) ([]study.StudyTask, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM study_tasks
		 WHERE user_id = $1
		   AND scheduled_date BETWEEN $2::date AND $3::date
		 ORDER BY scheduled_date, topic_id, task_type`,
		userID, study.DateOf(from), study.DateOf(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []study.StudyTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	// topic_id orders as uuid in SQL; match the string order MemoryStore uses.
	sortTasks(out)
	return out, nil
}

func scanTask(row pgx.Row) (study.StudyTask, error) {
	var (
		t        study.StudyTask
		taskType string
	)
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.TopicID,
		&t.ScheduledDate,
		&taskType,
		&t.DurationMinutes,
		&t.IsCompleted,
		&t.RequireQuiz,
		&t.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, err
	}
	if err != nil {
		return t, fmt.Errorf("scan task: %w", err)
	}
	t.TaskType = study.TaskType(taskType)
	t.ScheduledDate = study.DateOf(t.ScheduledDate)
	return t, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, userID, taskID string, at time.Time) (*study.StudyTask, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	t, err := scanTask(s.pool.QueryRow(ctx,
		`UPDATE study_tasks
		 SET is_completed = TRUE, completed_at = COALESCE(completed_at, $3)
		 WHERE id = $1::uuid AND user_id = $2
		 RETURNING `+taskColumns,
		taskID, userID, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*study.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	p := &study.Profile{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT daily_study_hours, exam_date, current_streak, last_study_date
		 FROM profiles
		 WHERE user_id = $1`,
		userID,
	).Scan(&p.DailyStudyHours, &p.ExamDate, &p.CurrentStreak, &p.LastStudyDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SaveProfile(ctx context.Context, p study.Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var examDate any
	if p.ExamDate != nil {
		examDate = study.DateOf(*p.ExamDate)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, daily_study_hours, exam_date)
		 VALUES ($1, $2, $3::date)
		 ON CONFLICT (user_id) DO UPDATE
		 SET daily_study_hours = EXCLUDED.daily_study_hours,
		     exam_date = EXCLUDED.exam_date,
		     updated_at = NOW()`,
		p.UserID, p.DailyStudyHours, examDate,
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) AdvanceStreak(ctx context.Context, userID string, expected *time.Time, streak int, last time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var want any
	if expected != nil {
		want = study.DateOf(*expected)
	}

	cmd, err := s.pool.Exec(ctx,
		`UPDATE profiles
		 SET current_streak = $2, last_study_date = $3::date, updated_at = NOW()
		 WHERE user_id = $1
		   AND last_study_date IS NOT DISTINCT FROM $4::date`,
		userID, streak, study.DateOf(last), want,
	)
	if err != nil {
		return false, fmt.Errorf("advance streak: %w", err)
	}
	if cmd.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM profiles WHERE user_id = $1)`, userID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check profile: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	return false, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
