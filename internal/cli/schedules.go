package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"jobqueue/internal/api"
	"jobqueue/internal/job"
)

func NewSchedulesCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"sched"},
		Short:   "Inspect and edit recurring schedules",
	}
	cmd.AddCommand(newSchedulesListCmd(o), newSchedulesDueCmd(o), newSchedulesDeleteCmd(o))
	return cmd
}

func hostQuery(cmd *cobra.Command, host string) url.Values {
	q := url.Values{}
	if cmd.Flags().Changed("host") {
		q.Set("host", host)
	}
	return q
}

func rule(s job.Schedule) string {
	if s.Cron != "" {
		return s.Cron
	}
	return fmt.Sprintf("%s %s %s", s.Minute, s.Hour, s.Month)
}

func newSchedulesListCmd(o *options) *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.newClient()
			if err != nil {
				return err
			}
			var out struct {
				Schedules []job.Schedule `json:"schedules"`
			}
			raw, err := c.do(cmd.Context(), http.MethodGet, "/v1/schedules", hostQuery(cmd, host), nil, &out)
			if err != nil {
				return err
			}
			if o.jsonOut() {
				return printRaw(o.out, raw)
			}
			if len(out.Schedules) == 0 {
				fprintf(o.out, "No schedules found.\n")
				return nil
			}
			tw := newTable(o.out)
			fprintf(tw, "NAME\tHOST\tRULE\tJOB\tPRIO\tENABLED\tSOURCE\n")
			for _, s := range out.Schedules {
				fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
					s.Name, orDash(s.Host), rule(s), s.Signature.Key(), s.Priority, s.Enabled, orDash(s.Source))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "only schedules for this host (plus global ones)")
	return cmd
}

func newSchedulesDueCmd(o *options) *cobra.Command {
	var (
		at   string
		host string
	)
	cmd := &cobra.Command{
		Use:   "due",
		Short: "Show which schedules fire at a minute and when each fires next",
		Example: `  jobqueue schedules due
  jobqueue schedules due --at 2024-03-10T09:15:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := hostQuery(cmd, host)
			if at != "" {
				if _, err := time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				q.Set("at", at)
			}
			c, err := o.newClient()
			if err != nil {
				return err
			}
			var out struct {
				At        time.Time         `json:"at"`
				Schedules []api.DueSchedule `json:"schedules"`
			}
			raw, err := c.do(cmd.Context(), http.MethodGet, "/v1/schedules/due", q, nil, &out)
			if err != nil {
				return err
			}
			if o.jsonOut() {
				return printRaw(o.out, raw)
			}
			fprintf(o.out, "At %s\n", out.At.Format(time.RFC3339))
			tw := newTable(o.out)
			fprintf(tw, "NAME\tHOST\tRULE\tDUE\tNEXT\n")
			for _, d := range out.Schedules {
				next := "-"
				if d.Error != "" {
					next = "error: " + d.Error
				} else if !d.Next.IsZero() {
					next = d.Next.Format(time.RFC3339)
				}
				fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", d.Schedule.Name, orDash(d.Schedule.Host), rule(d.Schedule), d.Due, next)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 time to evaluate (default now)")
	cmd.Flags().StringVar(&host, "host", "", "only schedules for this host (plus global ones)")
	return cmd
}

func newSchedulesDeleteCmd(o *options) *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a schedule",
		Long: `Delete a schedule by name and host. Schedules declared in the config
file come back on the next reload; remove them from the file instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.newClient()
			if err != nil {
				return err
			}
			q := url.Values{}
			if host != "" {
				q.Set("host", host)
			}
			if _, err := c.do(cmd.Context(), http.MethodDelete, "/v1/schedules/"+url.PathEscape(args[0]), q, nil, nil); err != nil {
				return err
			}
			fprintf(o.out, "Schedule deleted: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "host of the schedule (empty for global)")
	return cmd
}
