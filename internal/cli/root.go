package cli

import (
	"log/slog"
	"os"

	"github.com/me/taskbroker/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking TASKBROKER_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("TASKBROKER_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the taskbroker CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskbroker",
		Short: "taskbroker: prioritized inference work queue",
		Long:  "taskbroker submits work items, waits for results and inspects the broker's queues, providers and budget.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Broker URL (or TASKBROKER_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newWaitCmd(),
		newListCmd(),
		newCancelCmd(),
		newDeadLettersCmd(),
		newProvidersCmd(),
		newBudgetCmd(),
	)

	return root
}
