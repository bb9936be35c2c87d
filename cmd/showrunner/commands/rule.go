package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/showrunner/pulse/async"
	"github.com/teranos/showrunner/pulse/schedule"
	"github.com/teranos/showrunner/sym"
)

// RuleCmd groups recurring rule commands
var RuleCmd = &cobra.Command{
	Use:   "rule",
	Short: sym.Prefixed("rule"),
	Long: sym.SO + ` rule - recurring rules

A rule creates one job per occurrence: daily, weekly on a weekday, or
monthly on a day of the month, at a local time of day. The daemon
expands due rules on every tick; 'rule expand' does it once by hand.

Labels are templates: {{.Date}}, {{.Weekday}}, {{.Month}} and {{.Rule}}
are filled in per occurrence.

Examples:
  showrunner rule add --label "Daily news {{.Date}}" --duration 60 --frequency daily --time 09:00
  showrunner rule add --label "Friday recap" --duration 300 --frequency weekly --day-of-week friday --time 17:00
  showrunner rule import rules.toml
  showrunner rule history RL0123456789abcdef`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var ruleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a recurring rule",
	RunE:  runRuleAdd,
}

var ruleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recurring rules",
	RunE:  runRuleLs,
}

var ruleDeactivateCmd = &cobra.Command{
	Use:   "deactivate <rule-id>",
	Short: "Stop a rule from creating further jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleDeactivate,
}

var ruleImportCmd = &cobra.Command{
	Use:   "import <rules.toml>",
	Short: "Add every rule from a TOML file",
	Long: `Add every [[rule]] entry of a TOML file. The whole file is validated
before any rule is stored.

  [[rule]]
  label = "Morning brief {{.Date}}"
  target_duration = 90
  frequency = "weekly"
  time = "09:00"
  day_of_week = "monday"
  timezone = "Europe/Amsterdam"`,
	Args: cobra.ExactArgs(1),
	RunE: runRuleImport,
}

var ruleExpandCmd = &cobra.Command{
	Use:   "expand",
	Short: "Expand every due rule now",
	RunE:  runRuleExpand,
}

var ruleHistoryCmd = &cobra.Command{
	Use:   "history <rule-id>",
	Short: "Show the latest expansions of a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleHistory,
}

func init() {
	ruleAddCmd.Flags().String("label", "", "Label template (required)")
	ruleAddCmd.Flags().String("topic", "", "Topic handed to the generate stage")
	ruleAddCmd.Flags().Int("duration", 0, "Target duration in seconds (required)")
	ruleAddCmd.Flags().String("priority", "normal", "Priority: low, normal, high")
	ruleAddCmd.Flags().String("frequency", "daily", "daily, weekly or monthly")
	ruleAddCmd.Flags().String("time", "", "Local time of day, HH:MM (required)")
	ruleAddCmd.Flags().String("day-of-week", "", "Weekday for weekly rules")
	ruleAddCmd.Flags().Int("day-of-month", 0, "Day 1-31 for monthly rules")
	ruleAddCmd.Flags().String("timezone", "", "IANA timezone (default calendar.timezone)")
	_ = ruleAddCmd.MarkFlagRequired("label")
	_ = ruleAddCmd.MarkFlagRequired("duration")
	_ = ruleAddCmd.MarkFlagRequired("time")

	ruleLsCmd.Flags().Bool("all", false, "Include deactivated rules")
	ruleHistoryCmd.Flags().Int("limit", 20, "Maximum number of expansions to display")

	RuleCmd.AddCommand(ruleAddCmd)
	RuleCmd.AddCommand(ruleLsCmd)
	RuleCmd.AddCommand(ruleDeactivateCmd)
	RuleCmd.AddCommand(ruleImportCmd)
	RuleCmd.AddCommand(ruleExpandCmd)
	RuleCmd.AddCommand(ruleHistoryCmd)
}

func runRuleAdd(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	flags := cmd.Flags()
	label, _ := flags.GetString("label")
	topic, _ := flags.GetString("topic")
	duration, _ := flags.GetInt("duration")
	priorityFlag, _ := flags.GetString("priority")
	frequencyFlag, _ := flags.GetString("frequency")
	at, _ := flags.GetString("time")
	weekday, _ := flags.GetString("day-of-week")
	dayOfMonth, _ := flags.GetInt("day-of-month")
	timezone, _ := flags.GetString("timezone")

	priority, err := async.ParsePriority(priorityFlag)
	if err != nil {
		return err
	}
	frequency, err := schedule.ParseFrequency(frequencyFlag)
	if err != nil {
		return err
	}
	if timezone == "" {
		timezone = svc.calendar.Location().String()
	}

	r := schedule.Rule{
		LabelTemplate:  label,
		Topic:          topic,
		TargetDuration: duration,
		Priority:       priority,
		Frequency:      frequency,
		TimeOfDay:      at,
		DayOfMonth:     dayOfMonth,
		Timezone:       timezone,
	}
	if frequency == schedule.FrequencyWeekly {
		if r.DayOfWeek, err = schedule.ParseWeekday(weekday); err != nil {
			return err
		}
	}

	rule, err := schedule.NewRule(r, time.Now())
	if err != nil {
		return err
	}
	if err := svc.rules.Create(cmd.Context(), rule); err != nil {
		return err
	}

	pterm.Success.Printf("Added rule %s\n", rule.ID)
	pterm.Printf("  %s %s\n", pterm.Gray("schedule:"), describeRule(rule))
	pterm.Printf("  %s %s\n", pterm.Gray("next run:"), formatTime(&rule.NextRun, rule.Location()))
	return nil
}

func runRuleLs(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	all, _ := cmd.Flags().GetBool("all")
	rules, err := svc.rules.List(cmd.Context(), !all)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		pterm.Info.Println("No rules found")
		return nil
	}

	rows := pterm.TableData{{"ID", "LABEL", "SCHEDULE", "PRIORITY", "NEXT RUN", "LAST DAY", "ACTIVE"}}
	for _, rule := range rules {
		active := pterm.LightGreen("yes")
		if !rule.Active {
			active = pterm.Gray("no")
		}
		lastDay := rule.LastTargetDay
		if lastDay == "" {
			lastDay = "-"
		}
		rows = append(rows, []string{
			rule.ID,
			truncate(rule.LabelTemplate, 32),
			describeRule(rule),
			rule.Priority.String(),
			formatTime(&rule.NextRun, rule.Location()),
			lastDay,
			active,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runRuleDeactivate(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.rules.Deactivate(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("Rule %s deactivated\n", args[0])
	return nil
}

func runRuleImport(cmd *cobra.Command, args []string) error {
	parsed, err := schedule.LoadRulesFile(args[0])
	if err != nil {
		return err
	}

	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	now := time.Now()
	for _, r := range parsed {
		rule, err := schedule.NewRule(r, now)
		if err != nil {
			return err
		}
		if err := svc.rules.Create(cmd.Context(), rule); err != nil {
			return err
		}
		pterm.Printf("  %s %s %s\n", pterm.LightGreen("✓"), rule.ID, pterm.Gray(describeRule(rule)))
	}
	pterm.Success.Printf("Imported %d rule(s) from %s\n", len(parsed), args[0])
	return nil
}

func runRuleExpand(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	executions, err := svc.expander.ExpandDue(cmd.Context(), time.Now())
	for _, exec := range executions {
		printExecution(exec)
	}
	if err != nil {
		return err
	}
	if len(executions) == 0 {
		pterm.Info.Println("No rules due")
	}
	return nil
}

func runRuleHistory(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, err := svc.rules.Get(cmd.Context(), args[0]); err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	executions, err := svc.executions.ListByRule(cmd.Context(), args[0], limit)
	if err != nil {
		return err
	}
	if len(executions) == 0 {
		pterm.Info.Println("Rule has not been expanded yet")
		return nil
	}
	for _, exec := range executions {
		printExecution(exec)
	}
	return nil
}

func printExecution(exec *schedule.Execution) {
	var mark string
	switch exec.Status {
	case schedule.ExecutionStatusCreated:
		mark = pterm.LightGreen("✓ created  ")
	case schedule.ExecutionStatusDuplicate:
		mark = pterm.Yellow("= duplicate")
	default:
		mark = pterm.Red("✗ failed   ")
	}
	detail := exec.JobID
	if exec.Error != "" {
		detail = exec.Error
	}
	pterm.Printf("  %s %s %s %s\n", mark, exec.TargetDay, exec.RuleID, pterm.Gray(detail))
}

// describeRule renders "weekly Friday 17:00 Europe/Amsterdam"
func describeRule(r *schedule.Rule) string {
	switch r.Frequency {
	case schedule.FrequencyWeekly:
		return fmt.Sprintf("weekly %s %s %s", r.DayOfWeek, r.TimeOfDay, r.Timezone)
	case schedule.FrequencyMonthly:
		return fmt.Sprintf("monthly day %d %s %s", r.DayOfMonth, r.TimeOfDay, r.Timezone)
	default:
		return fmt.Sprintf("%s %s %s", r.Frequency, r.TimeOfDay, r.Timezone)
	}
}
