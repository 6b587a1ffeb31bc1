package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobqueue/internal/config"
	"jobqueue/pkg/logx"
)

// EnvPrefix is the prefix for environment overrides, e.g. JOBQUEUE_SERVER.
const EnvPrefix = "JOBQUEUE"

// options carries the persistent flags. Values are read through v so that
// JOBQUEUE_* variables fill anything not given on the command line.
type options struct {
	v   *viper.Viper
	out io.Writer
}

func (o *options) configPath() string { return strings.TrimSpace(o.v.GetString("config")) }
func (o *options) logLevel() string   { return o.v.GetString("log-level") }
func (o *options) jsonOut() bool      { return o.v.GetBool("json") }

func (o *options) logger() logx.Logger { return logx.NewConsole(o.logLevel()) }

// loadConfig reads the config file when one is given, else the defaults.
func (o *options) loadConfig() (*config.Config, error) {
	p := o.configPath()
	if p == "" {
		return config.Default(), nil
	}
	return config.NewManager(p).Load()
}

// NewRootCmd builds the jobqueue command tree.
func NewRootCmd() *cobra.Command {
	o := &options{v: viper.New(), out: os.Stdout}
	cmd := &cobra.Command{
		Use:           "jobqueue",
		Short:         "Priority job queue with minute-tick scheduling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			o.out = cmd.OutOrStdout()
			if lvl := o.logLevel(); lvl != "" {
				if _, ok := logx.ParseLevel(lvl); !ok {
					return fmt.Errorf("unknown log level %q", lvl)
				}
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to config file (yaml or json)")
	pf.String("log-level", "info", "log level for command output (trace, debug, info, warn, error)")
	pf.String("server", "", "API base URL for client commands (default from config api.addr)")
	pf.String("token", "", "API bearer token (default from config api.token)")
	pf.Bool("json", false, "print raw JSON responses")
	_ = o.v.BindPFlags(pf)
	o.v.SetEnvPrefix(EnvPrefix)
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	cmd.AddCommand(
		NewServeCmd(o),
		NewEnqueueCmd(o),
		NewRunsCmd(o),
		NewSchedulesCmd(o),
		NewJobsCmd(o),
		NewStatusCmd(o),
	)
	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}
