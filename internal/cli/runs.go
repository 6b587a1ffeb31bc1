package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"jobqueue/internal/job"
)

func NewRunsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect job runs",
	}
	cmd.AddCommand(newRunsListCmd(o), newRunsShowCmd(o))
	return cmd
}

func newRunsListCmd(o *options) *cobra.Command {
	var (
		status string
		key    string
		host   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" && !job.Status(status).Valid() {
				return fmt.Errorf("invalid status %q (pending, success, failure)", status)
			}
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if key != "" {
				q.Set("job", key)
			}
			if host != "" {
				q.Set("host", host)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			c, err := o.newClient()
			if err != nil {
				return err
			}
			var out struct {
				Runs []job.Run `json:"runs"`
			}
			raw, err := c.do(cmd.Context(), http.MethodGet, "/v1/runs", q, nil, &out)
			if err != nil {
				return err
			}
			if o.jsonOut() {
				return printRaw(o.out, raw)
			}
			if len(out.Runs) == 0 {
				fprintf(o.out, "No runs found.\n")
				return nil
			}
			tw := newTable(o.out)
			fprintf(tw, "ID\tJOB\tHOST\tSTATUS\tPRIO\tCREATED\tWAIT\tRUN\tOUTPUT\n")
			for _, r := range out.Runs {
				fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					r.ID, r.Signature.Key(), orDash(r.Host), r.Status, r.Priority,
					ago(r.Created), dur(r.StartTime), dur(r.RunTime), oneLine(r.Output, 40))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, success, failure)")
	cmd.Flags().StringVar(&key, "job", "", "filter by job key")
	cmd.Flags().StringVar(&host, "host", "", "filter by host")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum rows (server default 50)")
	return cmd
}

func newRunsShowCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run including its full output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.newClient()
			if err != nil {
				return err
			}
			var r job.Run
			raw, err := c.do(cmd.Context(), http.MethodGet, "/v1/runs/"+url.PathEscape(args[0]), nil, nil, &r)
			if err != nil {
				return err
			}
			if o.jsonOut() {
				return printRaw(o.out, raw)
			}
			tw := newTable(o.out)
			fprintf(tw, "id:\t%s\n", r.ID)
			fprintf(tw, "job:\t%s\n", r.Signature.Key())
			fprintf(tw, "host:\t%s\n", orDash(r.Host))
			fprintf(tw, "status:\t%s\n", r.Status)
			fprintf(tw, "priority:\t%d\n", r.Priority)
			fprintf(tw, "attempts:\t%d\n", r.Attempts)
			fprintf(tw, "created:\t%s (%s)\n", r.Created.Format("2006-01-02 15:04:05 MST"), ago(r.Created))
			fprintf(tw, "start time:\t%s\n", dur(r.StartTime))
			fprintf(tw, "run time:\t%s\n", dur(r.RunTime))
			if err := tw.Flush(); err != nil {
				return err
			}
			if r.Output != "" {
				fprintf(o.out, "\n%s\n", r.Output)
			}
			return nil
		},
	}
}
