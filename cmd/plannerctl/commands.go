package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-n-ai/pai-planner/internal/allocator"
	"github.com/p-n-ai/pai-planner/internal/mastery"
	"github.com/p-n-ai/pai-planner/internal/planner"
	"github.com/p-n-ai/pai-planner/internal/revision"
	"github.com/p-n-ai/pai-planner/internal/study"
	"github.com/p-n-ai/pai-planner/internal/syllabus"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "plannerctl",
		Short:         "Classify quiz results, preview revisions and allocate a study day",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newClassifyCmd(), newScheduleCmd(), newAllocateCmd())
	return root
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <score> <high|medium|low>",
		Short: "Print the mastery status for a quiz score and confidence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("score must be an integer: %w", err)
			}
			status, err := mastery.Classify(score, study.Confidence(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newScheduleCmd() *cobra.Command {
	var today string
	cmd := &cobra.Command{
		Use:   "schedule <status>",
		Short: "List the revisions a status schedules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := study.ParseStatus(args[0])
			if err != nil {
				return err
			}
			day := study.DateOf(time.Now())
			if today != "" {
				if day, err = study.ParseDate(today); err != nil {
					return fmt.Errorf("--today: %w", err)
				}
			}

			tasks, err := revision.Plan("", status, day)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintf(out, "%s schedules no revisions\n", status)
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tMINUTES\tQUIZ")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", t.ScheduledDate.Format(study.DateLayout), t.DurationMinutes, yesNo(t.RequireQuiz))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&today, "today", "", "date to schedule from (YYYY-MM-DD, default today)")
	return cmd
}

func newAllocateCmd() *cobra.Command {
	var (
		path   string
		hours  float64
		asJSON bool
		list   bool
	)
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Pick today's topics from a syllabus file or directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadSyllabus(path)
			if err != nil {
				return err
			}

			store := planner.NewMemoryStore()
			const user = "plannerctl"
			if _, err := store.ImportSyllabus(cmd.Context(), user, doc); err != nil {
				return err
			}
			topics, err := store.ListTopics(cmd.Context(), user)
			if err != nil {
				return err
			}

			alloc, err := allocator.Allocate(topics, hours)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(alloc)
			}

			fmt.Fprintf(out, "%d of %d pending topics (max %d today)\n", len(alloc.Topics), alloc.TotalPending, alloc.MaxTopicsToday)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SUBJECT\tWEIGHT\tTOPICS")
			for _, s := range alloc.Subjects {
				fmt.Fprintf(tw, "%s\t%.2f\t%d\n", s.SubjectName, s.Weight, s.TopicCount)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if list {
				for _, t := range alloc.Topics {
					fmt.Fprintf(out, "- [ ] %s / %s / %s\n", t.SubjectName, t.ChapterName, t.Name)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "syllabus", "", "syllabus YAML file or directory")
	cmd.Flags().Float64Var(&hours, "hours", 2, "study hours available today")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the allocation as JSON")
	cmd.Flags().BoolVar(&list, "list", false, "also list the chosen topics")
	_ = cmd.MarkFlagRequired("syllabus")
	return cmd
}

func loadSyllabus(path string) (syllabus.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return syllabus.Document{}, err
	}
	if info.IsDir() {
		return syllabus.LoadDir(path)
	}
	return syllabus.ReadFile(path)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
