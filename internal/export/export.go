// Package export writes study tasks and the daily plan as an Excel workbook.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-planner/internal/planner"
	"github.com/p-n-ai/pai-planner/internal/study"
)

// Sheet names.
const (
	SheetTasks    = "Tasks"
	SheetToday    = "Today"
	SheetSubjects = "Subjects"
)

var (
	taskHeader    = []any{"Date", "Subject", "Chapter", "Topic", "Type", "Minutes", "Quiz required", "Done"}
	todayHeader   = []any{"Section", "Subject", "Chapter", "Topic", "Status", "Confidence"}
	subjectHeader = []any{"Subject", "Weight", "Topics today"}
)

// WriteWorkbook writes tasks (one row each, in the given order) and today's
// plan to w as xlsx. topics resolves task topic IDs to names.
func WriteWorkbook(w io.Writer, plan planner.DailyPlan, tasks []study.StudyTask, topics []study.TopicRef) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetTasks); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetToday); err != nil {
		return fmt.Errorf("create %s sheet: %w", SheetToday, err)
	}
	if _, err := f.NewSheet(SheetSubjects); err != nil {
		return fmt.Errorf("create %s sheet: %w", SheetSubjects, err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	byID := make(map[string]study.TopicRef, len(topics))
	for _, t := range topics {
		byID[t.ID] = t
	}

	rows := make([][]any, 0, len(tasks))
	for _, t := range tasks {
		ref, ok := byID[t.TopicID]
		if !ok {
			ref = study.TopicRef{Topic: study.Topic{ID: t.TopicID, Name: t.TopicID}}
		}
		rows = append(rows, []any{
			t.ScheduledDate.Format(study.DateLayout),
			ref.SubjectName,
			ref.ChapterName,
			ref.Name,
			string(t.TaskType),
			t.DurationMinutes,
			yesNo(t.RequireQuiz),
			yesNo(t.IsCompleted),
		})
	}
	if err := writeTable(f, SheetTasks, bold, taskHeader, rows); err != nil {
		return err
	}

	rows = rows[:0]
	for _, t := range plan.Topics {
		rows = append(rows, topicRow("planned", t))
	}
	for _, t := range plan.CompletedToday {
		rows = append(rows, topicRow("completed", t))
	}
	for _, r := range plan.Revisions {
		ref := byID[r.TopicID]
		rows = append(rows, []any{"revision", ref.SubjectName, ref.ChapterName, ref.Name, string(ref.Status), string(ref.Confidence)})
	}
	if err := writeTable(f, SheetToday, bold, todayHeader, rows); err != nil {
		return err
	}

	rows = rows[:0]
	for _, s := range plan.Subjects {
		rows = append(rows, []any{s.SubjectName, s.Weight, s.TopicCount})
	}
	if err := writeTable(f, SheetSubjects, bold, subjectHeader, rows); err != nil {
		return err
	}

	if err := f.SetColWidth(SheetTasks, "A", "D", 18); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func topicRow(section string, t study.TopicRef) []any {
	return []any{section, t.SubjectName, t.ChapterName, t.Name, string(t.Status), string(t.Confidence)}
}

func writeTable(f *excelize.File, sheet string, headerStyle int, header []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write %s header: %w", sheet, err)
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("style %s header: %w", sheet, err)
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+2, err)
		}
	}
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
