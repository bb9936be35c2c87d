package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/showrunner/pulse/async"
	"github.com/teranos/showrunner/pulse/content"
	"github.com/teranos/showrunner/sym"
)

// JobCmd groups production job commands
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Prefixed("job"),
	Long: sym.IX + ` job - production jobs

A job runs the configured pipeline (generate, acquire-assets, assemble,
publish) one stage at a time. Each finished stage is checkpointed, so a
failed or paused job picks up where it stopped.

Examples:
  showrunner job schedule --label "EpisodeA" --duration 90
  showrunner job schedule --label "EpisodeB" --duration 60 --at "2026-11-02 13:00"
  showrunner job ls --status failed
  showrunner job resume JB_abc123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule a production job",
	Long: `Schedule a job on the calendar.

With --at the job is placed at exactly that time, or rejected with the
calendar's reason (gap violation, daily max reached, not in preferred
hours). Without --at it takes the earliest acceptable slot.`,
	RunE: runJobSchedule,
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List production jobs",
	RunE:  runJobLs,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job with its stage outputs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job and free its slot",
	Long:  "Cancel a pending, paused or running job. A running job stops at its next stage boundary.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobTransition(cmd, args[0], "cancelled", (*content.Scheduler).Cancel)
	},
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobTransition(cmd, args[0], "paused", (*content.Scheduler).Pause)
	},
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job or retry a failed one",
	Long: `Resume a paused job, or give a failed job a fresh retry budget.

A failed job keeps its checkpoint and continues at the stage that failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobTransition(cmd, args[0], "resumed", (*content.Scheduler).Resume)
	},
}

func init() {
	jobScheduleCmd.Flags().String("label", "", "Job label (required)")
	jobScheduleCmd.Flags().String("topic", "", "Topic handed to the generate stage")
	jobScheduleCmd.Flags().Int("duration", 0, "Target duration in seconds (required)")
	jobScheduleCmd.Flags().String("priority", "normal", "Priority: low, normal, high")
	jobScheduleCmd.Flags().String("at", "", "Exact slot, in the calendar timezone unless an offset is given")
	jobScheduleCmd.Flags().Int("max-retries", 0, "Attempts per stage (default executor.max_retries)")
	_ = jobScheduleCmd.MarkFlagRequired("label")
	_ = jobScheduleCmd.MarkFlagRequired("duration")

	jobLsCmd.Flags().String("status", "", "Filter by status (pending, running, paused, completed, failed, cancelled)")
	jobLsCmd.Flags().String("label", "", "Filter by label")
	jobLsCmd.Flags().String("rule", "", "Filter by recurring rule id")
	jobLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	jobShowCmd.Flags().Bool("json", false, "Output the job as JSON")

	JobCmd.AddCommand(jobScheduleCmd)
	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobShowCmd)
	JobCmd.AddCommand(jobCancelCmd)
	JobCmd.AddCommand(jobPauseCmd)
	JobCmd.AddCommand(jobResumeCmd)
}

func runJobSchedule(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	label, _ := cmd.Flags().GetString("label")
	topic, _ := cmd.Flags().GetString("topic")
	duration, _ := cmd.Flags().GetInt("duration")
	priorityFlag, _ := cmd.Flags().GetString("priority")
	at, _ := cmd.Flags().GetString("at")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")

	priority, err := async.ParsePriority(priorityFlag)
	if err != nil {
		return err
	}

	req := content.Request{
		Label:          label,
		Topic:          topic,
		TargetDuration: duration,
		Priority:       priority,
		MaxRetries:     maxRetries,
		Actor:          "cli",
	}
	if at != "" {
		t, err := parseTimeInput(at, svc.calendar.Location())
		if err != nil {
			return err
		}
		req.ScheduledTime = &t
	}

	job, err := svc.scheduler.Schedule(cmd.Context(), req)
	if err != nil {
		return err
	}

	pterm.Success.Printf("Scheduled %s\n", job.ID)
	pterm.Printf("  %s %s\n", pterm.Gray("label:"), job.Label)
	pterm.Printf("  %s %s\n", pterm.Gray("slot: "), formatTime(job.ScheduledTime, svc.calendar.Location()))
	pterm.Printf("  %s %v\n", pterm.Gray("stages:"), job.Pipeline)
	return nil
}

func runJobLs(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	statusFlag, _ := cmd.Flags().GetString("status")
	label, _ := cmd.Flags().GetString("label")
	rule, _ := cmd.Flags().GetString("rule")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := async.ListFilter{Label: label, RuleID: rule, Limit: limit}
	if statusFlag != "" {
		status, err := async.ParseStatus(statusFlag)
		if err != nil {
			return err
		}
		filter.Statuses = []async.JobStatus{status}
	}

	jobs, err := svc.scheduler.ListJobs(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	loc := svc.calendar.Location()
	rows := pterm.TableData{{"ID", "LABEL", "STATUS", "STAGE", "PRIORITY", "SLOT", "RETRIES"}}
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			truncate(job.Label, 32),
			colorStatus(job.Status),
			stageProgress(job),
			job.Priority.String(),
			formatTime(job.ScheduledTime, loc),
			fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runJobShow(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	job, err := svc.scheduler.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	loc := svc.calendar.Location()
	pterm.DefaultSection.Println(job.Label)
	pterm.Printf("  %-14s %s\n", "ID:", job.ID)
	pterm.Printf("  %-14s %s\n", "Status:", colorStatus(job.Status))
	pterm.Printf("  %-14s %s\n", "Stage:", stageProgress(job))
	pterm.Printf("  %-14s %s\n", "Priority:", job.Priority)
	pterm.Printf("  %-14s %ds\n", "Duration:", job.TargetDuration)
	if job.Topic != "" {
		pterm.Printf("  %-14s %s\n", "Topic:", job.Topic)
	}
	pterm.Printf("  %-14s %s (day %s)\n", "Slot:", formatTime(job.ScheduledTime, loc), job.TargetDay)
	pterm.Printf("  %-14s %d/%d\n", "Retries:", job.RetryCount, job.MaxRetries)
	if job.LastError != "" {
		pterm.Printf("  %-14s %s\n", "Last error:", pterm.Red(job.LastError))
	}
	if job.RuleID != "" {
		pterm.Printf("  %-14s %s\n", "Rule:", job.RuleID)
	}
	pterm.Printf("  %-14s %s\n", "Created:", formatTime(&job.CreatedAt, loc))
	pterm.Printf("  %-14s %s\n", "Started:", formatTime(job.StartedAt, loc))
	pterm.Printf("  %-14s %s\n", "Finished:", formatTime(job.CompletedAt, loc))

	if len(job.StageOutputs) > 0 {
		pterm.Println()
		pterm.Println("  Stage outputs:")
		for _, stage := range job.Pipeline {
			if out, ok := job.StageOutputs[stage]; ok {
				pterm.Printf("    %s %s %s\n", pterm.LightGreen("✓"), stage, pterm.Gray(out))
			}
		}
	}
	return nil
}

type transitionFunc func(s *content.Scheduler, ctx context.Context, id string) (*async.Job, error)

func runJobTransition(cmd *cobra.Command, id, verb string, fn transitionFunc) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	job, err := fn(svc.scheduler, cmd.Context(), id)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Job %s %s (now %s at %s)\n", job.ID, verb, job.Status, job.CurrentStage)
	return nil
}
