package cli

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"jobqueue/internal/job"
)

func NewJobsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect registered job functions",
	}
	cmd.AddCommand(newJobsListCmd(o))
	return cmd
}

func newJobsListCmd(o *options) *cobra.Command {
	var match string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List job keys known to the server",
		Example: `  jobqueue jobs list --match 'systemd.*'`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.newClient()
			if err != nil {
				return err
			}
			q := url.Values{}
			if match != "" {
				q.Set("match", match)
			}
			var out struct {
				Jobs []job.Info `json:"jobs"`
			}
			raw, err := c.do(cmd.Context(), http.MethodGet, "/v1/jobs", q, nil, &out)
			if err != nil {
				return err
			}
			if o.jsonOut() {
				return printRaw(o.out, raw)
			}
			tw := newTable(o.out)
			for _, j := range out.Jobs {
				fprintf(tw, "%s\t%s\n", j.Key, j.Help)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&match, "match", "", "glob over job keys; * stops at a dot, ** spans dots")
	return cmd
}

func NewStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the server status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.newClient()
			if err != nil {
				return err
			}
			raw, err := c.do(cmd.Context(), http.MethodGet, "/v1/status", nil, nil, nil)
			if err != nil {
				return err
			}
			return printRaw(o.out, raw)
		},
	}
}
