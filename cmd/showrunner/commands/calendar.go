package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/internal/util"
	"github.com/teranos/showrunner/sym"
)

// CalendarCmd groups calendar inspection commands
var CalendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: sym.Prefixed("calendar"),
	Long: sym.AT + ` calendar - release slots

Every scheduled job occupies one slot. A slot is accepted when its day
has room under calendar.max_per_day, it is at least calendar.min_gap_hours
away from every other slot, and it falls on one of calendar.preferred_hours.

Examples:
  showrunner calendar suggest --count 5
  showrunner calendar suggest --after "2026-11-02"
  showrunner calendar slots --days 14`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var calendarSuggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "List the earliest free slots",
	RunE:  runCalendarSuggest,
}

var calendarSlotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "List occupied slots",
	RunE:  runCalendarSlots,
}

func init() {
	calendarSuggestCmd.Flags().Int("count", 3, "Number of suggestions")
	calendarSuggestCmd.Flags().String("after", "", "Suggest strictly after this time (default now)")

	calendarSlotsCmd.Flags().Int("days", 7, "Days ahead to show, starting today")

	CalendarCmd.AddCommand(calendarSuggestCmd)
	CalendarCmd.AddCommand(calendarSlotsCmd)
}

func runCalendarSuggest(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	count, _ := cmd.Flags().GetInt("count")
	if count <= 0 {
		return errors.NewInvalidRequestError("--count must be positive, got %d", count)
	}
	loc := svc.calendar.Location()
	after := time.Now()
	if s, _ := cmd.Flags().GetString("after"); s != "" {
		if after, err = parseTimeInput(s, loc); err != nil {
			return err
		}
	}

	slots, err := svc.calendar.SuggestOptimalSlots(cmd.Context(), count, after)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		cfg := svc.calendar.Config()
		pterm.Warning.Printf("No free slot within %d days\n", cfg.HorizonDays)
		return nil
	}
	for i, t := range slots {
		pterm.Printf("  %d. %s\n", i+1, formatTime(&t, loc))
	}
	return nil
}

func runCalendarSlots(cmd *cobra.Command, args []string) error {
	svc, err := openServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	days, _ := cmd.Flags().GetInt("days")
	if days <= 0 {
		return errors.NewInvalidRequestError("--days must be positive, got %d", days)
	}
	loc := svc.calendar.Location()
	from := util.StartOfDay(time.Now(), loc)
	to := from.AddDate(0, 0, days)

	slots, err := svc.calendar.Occupied(cmd.Context(), from, to)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		pterm.Info.Printf("No occupied slots in the next %d days\n", days)
		return nil
	}

	rows := pterm.TableData{{"DAY", "TIME", "JOB", "LABEL", "STATUS"}}
	for _, slot := range slots {
		label, status := "-", "-"
		if job, err := svc.jobs.Get(cmd.Context(), slot.JobID); err == nil {
			label = truncate(job.Label, 32)
			status = colorStatus(job.Status)
		}
		rows = append(rows, []string{slot.Day, slot.Time.In(loc).Format("15:04"), slot.JobID, label, status})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
