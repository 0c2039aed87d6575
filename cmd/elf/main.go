// Package main implements the elf CLI, the driver surface over the
// knowledge core's Query API.
//
// Exit codes: 0 success, 1 validation error, 2 database error, 3 timeout.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"elfcore/internal/config"
	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/query"
)

var (
	// Global flags
	flagConfig    string
	flagDebug     bool
	flagFormat    string
	flagTimeout   int
	flagLimit     int
	flagMaxTokens int
	flagLocation  string

	// Query selection flags
	flagContext     string
	flagDomain      string
	flagTags        string
	flagRecent      int
	flagType        string
	flagExperiments bool
	flagCEOReviews  bool
	flagGolden      bool
	flagStats       bool
	flagValidate    bool

	logger *zap.Logger
	cfg    *config.Config
	svc    *query.Service
)

var rootCmd = &cobra.Command{
	Use:   "elf",
	Short: "elf - Emergent Learning Framework knowledge core",
	Long: `elf is the driver CLI over the ELF knowledge core: a queryable base of
heuristics, learnings, decisions, and patterns distilled from observed
agent behavior.

Run with a query flag (--context, --domain, --tags, --recent,
--golden-rules, --stats, --validate, --experiments, --ceo-reviews) or use
a subcommand.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if flagDebug {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		globalPath := flagConfig
		if globalPath == "" {
			if home, err := os.UserHomeDir(); err == nil {
				globalPath = filepath.Join(home, ".claude", "emergent-learning", "config.yaml")
			}
		}
		projectPath := ""
		if cwd, err := os.Getwd(); err == nil {
			projectPath = filepath.Join(cwd, ".elf.yaml")
		}
		cfg, err = config.LoadWithProjectOverride(globalPath, projectPath)
		if err != nil {
			return err
		}
		if flagDebug {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		if err := logging.Initialize(cfg.DataRoot, cfg.Logging.DebugMode, cfg.Logging.Level); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}

		location := flagLocation
		if location == "" {
			location, _ = os.Getwd()
		}
		svc, err = query.New(cfg, query.WithLocation(location))
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if svc != nil {
			svc.Close()
		}
		logging.Shutdown()
		if logger != nil {
			logger.Sync()
		}
	},
	RunE: runQuery,
}

func opTimeout() time.Duration {
	if flagTimeout > 0 {
		return time.Duration(flagTimeout) * time.Second
	}
	return 0
}

// runQuery dispatches the root-command query flags.
func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	switch {
	case flagGolden:
		content, err := svc.GetGoldenRules(ctx, nil, opTimeout())
		if err != nil {
			return err
		}
		fmt.Println(content)

	case flagStats:
		stats, err := svc.GetStatistics(ctx, opTimeout())
		if err != nil {
			return err
		}
		return emit(stats, formatStats)

	case flagValidate:
		res, err := svc.ValidateDatabase(ctx, opTimeout())
		if err != nil {
			return err
		}
		return emit(res, formatValidation)

	case flagExperiments:
		experiments, err := svc.GetActiveExperiments(ctx, opTimeout())
		if err != nil {
			return err
		}
		return emit(experiments, formatExperiments)

	case flagCEOReviews:
		reviews, err := svc.GetPendingCEOReviews(ctx, opTimeout())
		if err != nil {
			return err
		}
		return emit(reviews, formatReviews)

	case flagContext != "":
		var domains, tags []string
		if flagDomain != "" {
			domains = []string{flagDomain}
		}
		if flagTags != "" {
			tags = splitCSV(flagTags)
		}
		packet, err := svc.BuildContext(ctx, flagContext, domains, tags, flagMaxTokens, opTimeout())
		if err != nil {
			return err
		}
		fmt.Println(packet)

	case flagDomain != "":
		result, err := svc.QueryByDomain(ctx, flagDomain, flagLimit, opTimeout())
		if err != nil {
			return err
		}
		return emit(result, formatDomainResult)

	case flagTags != "":
		learnings, err := svc.QueryByTags(ctx, splitCSV(flagTags), flagLimit, opTimeout())
		if err != nil {
			return err
		}
		return emit(learnings, formatLearnings)

	case flagRecent > 0:
		learnings, err := svc.QueryRecent(ctx, flagType, flagRecent, opTimeout())
		if err != nil {
			return err
		}
		return emit(learnings, formatLearnings)

	default:
		return cmd.Help()
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// exitCode maps error codes onto the documented exit codes.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch qerr.CodeOf(err) {
	case qerr.CodeValidation:
		return 1
	case qerr.CodeDatabase:
		return 2
	case qerr.CodeTimeout:
		return 3
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return 3
		}
		return 1
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default $HOME/.claude/emergent-learning/config.yaml)")
	pf.BoolVar(&flagDebug, "debug", false, "enable debug logging")
	pf.StringVar(&flagFormat, "format", "text", "output format: text|json|csv")
	pf.IntVar(&flagTimeout, "timeout", 0, "operation timeout in seconds")
	pf.StringVar(&flagLocation, "location", "", "current project path for location scoping")

	f := rootCmd.Flags()
	f.StringVar(&flagContext, "context", "", "build a context packet for a task description")
	f.StringVar(&flagDomain, "domain", "", "query a domain")
	f.StringVar(&flagTags, "tags", "", "comma-separated tags to match")
	f.IntVar(&flagRecent, "recent", 0, "show the N most recent learnings")
	f.StringVar(&flagType, "type", "", "learning type filter for --recent")
	f.BoolVar(&flagExperiments, "experiments", false, "list active experiments")
	f.BoolVar(&flagCEOReviews, "ceo-reviews", false, "list pending CEO reviews")
	f.BoolVar(&flagGolden, "golden-rules", false, "print the golden rules")
	f.BoolVar(&flagStats, "stats", false, "print knowledge-base statistics")
	f.BoolVar(&flagValidate, "validate", false, "validate the database")
	f.IntVar(&flagLimit, "limit", 10, "maximum results")
	f.IntVar(&flagMaxTokens, "max-tokens", 0, "token budget for --context")

	rootCmd.AddCommand(observeCmd, distillCmd, recordCmd, fraudCheckCmd, metricCmd, alertsCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}
