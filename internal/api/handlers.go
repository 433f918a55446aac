package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/p-n-ai/pai-planner/internal/export"
	"github.com/p-n-ai/pai-planner/internal/planner"
	"github.com/p-n-ai/pai-planner/internal/study"
	"github.com/p-n-ai/pai-planner/internal/syllabus"
)

const defaultTaskWindowDays = 30

var errBadRequest = errors.New("bad request")

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleImportSyllabus(w http.ResponseWriter, r *http.Request, userID string) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: read body: %v", errBadRequest, err))
		return
	}
	doc, err := syllabus.Parse(data)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	res, err := s.svc.ImportSyllabus(r.Context(), userID, doc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request, userID string) {
	topics, err := s.svc.ListTopics(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if topics == nil {
		topics = []study.TopicRef{}
	}
	writeJSON(w, http.StatusOK, topics)
}

func (s *Server) handleTodayPlan(w http.ResponseWriter, r *http.Request, userID string) {
	plan, err := s.svc.TodayPlan(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type quizRequest struct {
	TopicID    string `json:"topic_id"`
	Score      *int   `json:"score"`
	Confidence string `json:"confidence"`
}

func (s *Server) handleSubmitQuiz(w http.ResponseWriter, r *http.Request, userID string) {
	var req quizRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Score == nil {
		writeError(w, r, fmt.Errorf("%w: score is required", errBadRequest))
		return
	}

	res, err := s.svc.SubmitQuiz(r.Context(), planner.QuizSubmission{
		UserID:     userID,
		TopicID:    req.TopicID,
		Score:      *req.Score,
		Confidence: study.Confidence(req.Confidence),
	})
	var partial *planner.PartialFailureError
	if errors.As(err, &partial) {
		writePartial(w, partial, res)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type studyRequest struct {
	TopicID         string `json:"topic_id"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (s *Server) handleStartStudy(w http.ResponseWriter, r *http.Request, userID string) {
	var req studyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	task, err := s.svc.StartStudy(r.Context(), userID, req.TopicID, req.DurationMinutes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// taskRange reads from/to (YYYY-MM-DD). Defaults are today and 30 days out.
func (s *Server) taskRange(r *http.Request) (time.Time, time.Time, error) {
	today := s.svc.Today()
	from, to := today, study.AddDays(today, defaultTaskWindowDays)

	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		d, err := study.ParseDate(v)
		if err != nil {
			return from, to, fmt.Errorf("%w: from: %v", errBadRequest, err)
		}
		from = d
	}
	if v := q.Get("to"); v != "" {
		d, err := study.ParseDate(v)
		if err != nil {
			return from, to, fmt.Errorf("%w: to: %v", errBadRequest, err)
		}
		to = d
	}
	return from, to, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, userID string) {
	from, to, err := s.taskRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := s.svc.ListTasks(r.Context(), userID, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []study.StudyTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type completeResponse struct {
	Task    study.StudyTask `json:"task"`
	Profile *study.Profile  `json:"profile,omitempty"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request, userID string) {
	task, profile, err := s.svc.CompleteTask(r.Context(), userID, r.PathValue("id"))
	var partial *planner.PartialFailureError
	if errors.As(err, &partial) {
		writePartial(w, partial, completeResponse{Task: task})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{Task: task, Profile: &profile})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request, userID string) {
	p, err := s.svc.GetProfile(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type profileRequest struct {
	DailyStudyHours int     `json:"daily_study_hours"`
	ExamDate        *string `json:"exam_date"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, userID string) {
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	p := study.Profile{UserID: userID, DailyStudyHours: req.DailyStudyHours}
	if req.ExamDate != nil && *req.ExamDate != "" {
		d, err := study.ParseDate(*req.ExamDate)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: exam_date: %v", errBadRequest, err))
			return
		}
		p.ExamDate = &d
	}

	saved, err := s.svc.UpdateProfile(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, userID string) {
	from, to, err := s.taskRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	plan, err := s.svc.TodayPlan(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := s.svc.ListTasks(r.Context(), userID, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	topics, err := s.svc.ListTopics(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteWorkbook(&buf, plan, tasks, topics); err != nil {
		writeError(w, r, err)
		return
	}

	name := fmt.Sprintf("study-plan-%s.xlsx", plan.Date.Format(study.DateLayout))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Warn("failed to write export", "user_id", userID, "error", err)
	}
}

// handleWebsocket accepts the user from the header or, for browsers that
// cannot set headers on upgrade, the user_id query parameter.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: UserHeader + " header is required"})
		return
	}
	if err := s.hub.Serve(w, r, userID); err != nil {
		slog.Debug("websocket closed", "user_id", userID, "error", err)
	}
}
