package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "storepulse",
		Short:        "Ingest app store reviews and extract recurring themes",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(themesCmd())

	return root
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler, queue workers and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func sweepCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep over due schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(kind)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "ingest", "schedule kind: ingest or themes")
	return cmd
}

func ingestCmd() *cobra.Command {
	var (
		platform string
		bundleID string
		appName  string
		backfill int
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one app now, without the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(platform, bundleID, appName, backfill)
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "ios or android")
	cmd.Flags().StringVar(&bundleID, "bundle-id", "", "store bundle id")
	cmd.Flags().StringVar(&appName, "app-name", "", "display name")
	cmd.Flags().IntVar(&backfill, "backfill", -1, "days re-scanned before the newest stored review (default: from config)")
	cmd.MarkFlagRequired("platform")
	cmd.MarkFlagRequired("bundle-id")
	return cmd
}

func workerCmd() *cobra.Command {
	var queueName string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume one queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(queueName)
		},
	}

	cmd.Flags().StringVar(&queueName, "queue", "ingest", "queue to consume: ingest or themes")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var app string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Raise review counters to the stored review count, once per app",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(app)
		},
	}

	cmd.Flags().StringVar(&app, "app", "", "app key such as ios#123 (default: every scheduled app)")
	return cmd
}

func themesCmd() *cobra.Command {
	var (
		appPK    string
		appName  string
		from, to string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "themes",
		Short: "Enqueue a themes job for an app or app group now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThemes(appPK, appName, from, to, limit)
		},
	}

	cmd.Flags().StringVar(&appPK, "app-pk", "", "app key or comma separated group")
	cmd.Flags().StringVar(&appName, "app-name", "", "display name for a new schedule")
	cmd.Flags().StringVar(&from, "from", "", "range start (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "range end (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().IntVar(&limit, "limit", 0, "analyze the newest N reviews instead of a range")
	cmd.MarkFlagRequired("app-pk")
	return cmd
}
