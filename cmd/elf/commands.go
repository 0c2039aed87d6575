package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"elfcore/internal/lifecycle"
	"elfcore/internal/scheduler"
	"elfcore/internal/types"
)

var (
	observeSession string
	observeProject string
	observeDryRun  bool
)

var observeCmd = &cobra.Command{
	Use:   "observe <session-log.jsonl>",
	Short: "Extract patterns from a session log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := svc.ObserveSession(cmd.Context(), args[0], "", observeSession, observeProject, !observeDryRun, opTimeout())
		if err != nil {
			return err
		}
		data, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var (
	distillDryRun   bool
	distillNoAppend bool
)

var distillCmd = &cobra.Command{
	Use:   "distill",
	Short: "Run one distillation cycle (decay + promotion)",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := svc.RunDistillation(cmd.Context(), "", !distillNoAppend, distillDryRun, opTimeout())
		if err != nil {
			return err
		}
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var (
	recordDomain      string
	recordRule        string
	recordExplanation string
	recordSource      string
	recordConfidence  float64
	recordGlobal      bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a heuristic through the lifecycle engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := lifecycle.RecordRequest{
			Domain:      recordDomain,
			Rule:        recordRule,
			Explanation: recordExplanation,
			SourceType:  recordSource,
			Confidence:  recordConfidence,
		}
		req.Global = recordGlobal
		id, err := svc.RecordHeuristic(cmd.Context(), req, opTimeout())
		if err != nil {
			return err
		}
		fmt.Printf("Recorded heuristic H-%d in %s\n", id, recordDomain)
		return nil
	},
}

var fraudCheckCmd = &cobra.Command{
	Use:   "fraud-check <heuristic-id>",
	Short: "Run the fraud detectors on one heuristic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid heuristic id: %q", args[0])
		}
		report, err := svc.RunFraudCheck(cmd.Context(), id, opTimeout())
		if err != nil {
			return err
		}
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var metricDomain string

var metricCmd = &cobra.Command{
	Use:   "metric <name> <value>",
	Short: "Record a metric observation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid metric value: %q", args[1])
		}
		if _, err := svc.RecordMetric(cmd.Context(), args[0], value, metricDomain, "", opTimeout()); err != nil {
			return err
		}
		return nil
	},
}

var (
	alertsAck     int64
	alertsResolve int64
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Run health checks and manage meta-alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if alertsAck > 0 {
			return svc.AcknowledgeAlert(ctx, alertsAck, opTimeout())
		}
		if alertsResolve > 0 {
			return svc.ResolveAlert(ctx, alertsResolve, opTimeout())
		}
		alerts, err := svc.CheckAlerts(ctx, opTimeout())
		if err != nil {
			return err
		}
		return emit(alerts, formatAlerts)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the long-lived service with periodic background tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		sched := scheduler.New(svc, cfg.Scheduler)
		if err := sched.Start(cmd.Context()); err != nil {
			return err
		}
		logger.Info("elf service running",
			zap.String("data_root", cfg.DataRoot),
			zap.String("db", cfg.DatabasePath()))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		logger.Info("shutting down")
		sched.Stop()
		return nil
	},
}

func init() {
	observeCmd.Flags().StringVar(&observeSession, "session", "", "session id (generated when empty)")
	observeCmd.Flags().StringVar(&observeProject, "project", "", "project path for location scoping")
	observeCmd.Flags().BoolVar(&observeDryRun, "dry-run", false, "extract without persisting")

	distillCmd.Flags().BoolVar(&distillDryRun, "dry-run", false, "report candidates without promoting")
	distillCmd.Flags().BoolVar(&distillNoAppend, "no-append", false, "skip the golden-rules append")

	recordCmd.Flags().StringVar(&recordDomain, "domain", "", "heuristic domain")
	recordCmd.Flags().StringVar(&recordRule, "rule", "", "the rule text")
	recordCmd.Flags().StringVar(&recordExplanation, "explanation", "", "why the rule holds")
	recordCmd.Flags().StringVar(&recordSource, "source", types.SourceObservation, "source type")
	recordCmd.Flags().Float64Var(&recordConfidence, "confidence", 0.5, "initial confidence")
	recordCmd.Flags().BoolVar(&recordGlobal, "global", false, "record globally instead of the current location")
	recordCmd.MarkFlagRequired("domain")
	recordCmd.MarkFlagRequired("rule")

	metricCmd.Flags().StringVar(&metricDomain, "domain", "", "metric domain")

	alertsCmd.Flags().Int64Var(&alertsAck, "ack", 0, "acknowledge an alert by id")
	alertsCmd.Flags().Int64Var(&alertsResolve, "resolve", 0, "resolve an alert by id")
}
