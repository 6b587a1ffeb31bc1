package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"jobqueue/internal/api"
	"jobqueue/internal/job"
)

func NewEnqueueCmd(o *options) *cobra.Command {
	var (
		kwargs   string
		priority int
		host     string
	)
	cmd := &cobra.Command{
		Use:   "enqueue JOB [ARGS_JSON]",
		Short: "Queue a job on a running server",
		Example: `  jobqueue enqueue core.echo '["hello", 2]'
  jobqueue enqueue shell.run --kwargs '{"cmd":"uptime"}' --priority 1`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := job.ParseKey(args[0]); err != nil {
				return err
			}
			req := api.EnqueueRequest{Job: args[0], Host: host}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &req.Args); err != nil {
					return fmt.Errorf("args must be a JSON array: %w", err)
				}
			}
			if kwargs != "" {
				if err := json.Unmarshal([]byte(kwargs), &req.Kwargs); err != nil {
					return fmt.Errorf("kwargs must be a JSON object: %w", err)
				}
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}

			c, err := o.newClient()
			if err != nil {
				return err
			}
			var run job.Run
			raw, err := c.do(cmd.Context(), http.MethodPost, "/v1/jobs", nil, req, &run)
			if err != nil {
				return err
			}
			if o.jsonOut() {
				return printRaw(o.out, raw)
			}
			fprintf(o.out, "Job enqueued: %s (%s, priority %d)\n", run.ID, run.Signature.Key(), run.Priority)
			return nil
		},
	}
	cmd.Flags().StringVar(&kwargs, "kwargs", "", "keyword arguments as a JSON object")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "queue priority, lower runs first (default from server)")
	cmd.Flags().StringVar(&host, "host", "", "host the run is attributed to")
	return cmd
}
