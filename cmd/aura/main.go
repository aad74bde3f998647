package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/aurafw/aura/pkg/actions/core"
	"github.com/aurafw/aura/pkg/api"
	"github.com/aurafw/aura/pkg/client"
	"github.com/aurafw/aura/pkg/config"
	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/scheduler"
	"github.com/aurafw/aura/pkg/storage"
	"github.com/aurafw/aura/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var userErr *client.UserError
		if errors.As(err, &userErr) || errors.Is(err, types.ErrValidation) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aura",
	Short: "Aura - declarative task automation framework",
	Long: `Aura executes declarative task requests against loaded plugins
under strict concurrency, prioritization, state-precondition, and
observability guarantees.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Aura version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "aura.yaml", "Path to the config file")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8900", "Address of the aura server (client commands)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(packageCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func apiClient(cmd *cobra.Command) *client.Client {
	base, _ := cmd.Flags().GetString("server")
	return client.New(base)
}

// Server commands

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the aura server",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler and API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.API.Listen = listen
		}

		var opts []scheduler.Option
		if cfg.DataDir != "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data dir: %w", err)
			}
			store, err := storage.NewBoltStore(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()
			opts = append(opts, scheduler.WithStore(store))
		}

		sched := scheduler.New(cfg, opts...)
		if err := sched.Start(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrValidation, err)
		}

		srv := api.NewServer(sched, cfg.API.Listen)
		srv.Start()

		fmt.Printf("Aura server running on %s (plans: %s)\n",
			cfg.API.Listen, strings.Join(sched.Plans(), ", "))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("API shutdown failed", err)
		}
		return sched.Stop(ctx)
	},
}

func init() {
	serverStartCmd.Flags().String("listen", "", "API listen address (overrides config)")
	serverCmd.AddCommand(serverStartCmd)
}

// Task commands

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Run and manage tasks",
}

var taskRunCmd = &cobra.Command{
	Use:   "run <plan>/<task>",
	Short: "Submit a task to the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parts := strings.SplitN(args[0], "/", 2)
		if len(parts) != 2 {
			return fmt.Errorf("%w: expected <plan>/<task>, got %q", types.ErrValidation, args[0])
		}

		inputFlags, _ := cmd.Flags().GetStringArray("input")
		inputs, err := parseInputs(inputFlags)
		if err != nil {
			return err
		}

		c := apiClient(cmd)
		cid, err := c.RunTask(parts[0], parts[1], inputs)
		if err != nil {
			return err
		}
		fmt.Printf("Submitted: %s\n", cid)

		wait, _ := cmd.Flags().GetBool("wait")
		if !wait {
			return nil
		}
		timeout, _ := cmd.Flags().GetDuration("wait-timeout")
		result, err := c.WaitForResult(cid, timeout)
		if err != nil {
			return err
		}
		fmt.Printf("Status: %s (%.2fs)\n", result.Status, result.Duration.Seconds())
		if len(result.UserData) > 0 {
			data, _ := json.MarshalIndent(result.UserData, "", "  ")
			fmt.Println(string(data))
		}
		if result.Status != types.ResultSuccess {
			if result.ErrorInfo != nil {
				return fmt.Errorf("%w: %s", types.ErrValidation, result.ErrorInfo.Message)
			}
			return fmt.Errorf("%w: task finished with status %s", types.ErrValidation, result.Status)
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <cid>",
	Short: "Cancel a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).Cancel(args[0]); err != nil {
			return err
		}
		fmt.Println("Cancelled")
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list <plan>",
	Short: "List the tasks of a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := apiClient(cmd).Tasks(args[0])
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Println(t)
		}
		return nil
	},
}

func init() {
	taskRunCmd.Flags().StringArray("input", nil, "Task input as key=value (repeatable)")
	taskRunCmd.Flags().Bool("wait", false, "Wait for the task to finish")
	taskRunCmd.Flags().Duration("wait-timeout", 5*time.Minute, "How long to wait with --wait")
	taskCmd.AddCommand(taskRunCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskListCmd)
}

// parseInputs converts k=v flags, parsing JSON values where possible so
// --input count=3 arrives as a number and --input name=World as a string.
func parseInputs(flags []string) (map[string]any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(flags))
	for _, f := range flags {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: bad input %q, expected key=value", types.ErrValidation, f)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			inputs[k] = parsed
		} else {
			inputs[k] = v
		}
	}
	return inputs, nil
}

// Plan commands

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect loaded plans",
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		plans, err := apiClient(cmd).Plans()
		if err != nil {
			return err
		}
		for _, p := range plans {
			fmt.Println(p)
		}
		return nil
	},
}

func init() {
	planCmd.AddCommand(planListCmd)
}

// Service commands

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Inspect registered services",
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered services and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := apiClient(cmd).Services()
		if err != nil {
			return err
		}
		for _, s := range services {
			fmt.Printf("%-40s %s\n", s.FQID, s.Status)
		}
		return nil
	},
}

func init() {
	serviceCmd.AddCommand(serviceListCmd)
}

// Run inspection commands

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect active and past runs",
}

var runsActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "List running tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := apiClient(cmd).ActiveRuns()
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Printf("%-40s %-10s %s/%s\n", r.RunID, r.Status, r.Plan, r.Task)
		}
		return nil
	},
}

var runsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent task results",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		results, err := apiClient(cmd).History(limit)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%-40s %-16s %.2fs\n", r.RunID, r.Status, r.Duration.Seconds())
		}
		return nil
	},
}

func init() {
	runsHistoryCmd.Flags().Int("limit", 20, "Maximum results to show")
	runsCmd.AddCommand(runsActiveCmd)
	runsCmd.AddCommand(runsHistoryCmd)
}
