// Package logging provides config-driven categorized file-based logging for
// the knowledge core. Logs are written to <data-root>/logs/ with a separate
// file per category. Logging is controlled by debug_mode in the service
// config - when false, no log files are written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // startup and config
	CategoryStore        Category = "store"        // schema, migrations, repositories
	CategoryLifecycle    Category = "lifecycle"    // confidence, dormancy, elasticity
	CategoryDistill      Category = "distill"      // decay, promotion, golden-rules append
	CategoryFraud        Category = "fraud"        // detectors, fusion, baselines
	CategoryMetaObserver Category = "metaobserver" // metrics, trends, alerts
	CategoryObserver     Category = "observer"     // session-log pattern extraction
	CategoryRetrieval    Category = "retrieval"    // context packet assembly
	CategoryEmbedding    Category = "embedding"    // embedding backends and cache
	CategoryQuery        Category = "query"        // Query API operations and audit
	CategoryScheduler    Category = "scheduler"    // periodic task runner
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	enabled   bool
	logLevel  = LevelInfo
)

// Initialize sets up the logging directory. When debugMode is false this is
// a silent no-op and every log call becomes free.
func Initialize(dataRoot string, debugMode bool, level string) error {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	enabled = debugMode
	switch level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	if !enabled {
		return nil
	}
	if dataRoot == "" {
		return fmt.Errorf("data root required")
	}
	logsDir = filepath.Join(dataRoot, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== ELF logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", level)
	return nil
}

// Shutdown closes all open log files.
func Shutdown() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[cat]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok = loggers[cat]; ok {
		return l
	}

	l = &Logger{category: cat}
	if enabled && logsDir != "" {
		path := filepath.Join(logsDir, string(cat)+".log")
		if f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			l.file = f
			l.logger = log.New(f, "", 0)
		}
	}
	loggers[cat] = l
	return l
}

func (l *Logger) write(level int, levelName, format string, args ...any) {
	if !enabled || l.logger == nil || level < logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] %s", time.Now().UTC().Format("2006-01-02 15:04:05.000"), levelName, msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...any) { l.write(LevelDebug, "DEBUG", format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...any) { l.write(LevelInfo, "INFO", format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...any) { l.write(LevelWarn, "WARN", format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...any) { l.write(LevelError, "ERROR", format, args...) }

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing an operation for performance logging.
func StartTimer(cat Category, name string) *Timer {
	return &Timer{category: cat, name: name, start: time.Now()}
}

// Stop logs the elapsed time. Slow operations (>100ms) log at info,
// everything else at debug.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > 100*time.Millisecond {
		l.Info("%s took %v", t.name, elapsed)
	} else {
		l.Debug("%s took %v", t.name, elapsed)
	}
}

// Convenience helpers per category, matching call sites throughout the core.

func Boot(format string, args ...any)      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...any) { Get(CategoryBoot).Debug(format, args...) }
func BootError(format string, args ...any) { Get(CategoryBoot).Error(format, args...) }

func Store(format string, args ...any)      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

func Lifecycle(format string, args ...any)      { Get(CategoryLifecycle).Info(format, args...) }
func LifecycleDebug(format string, args ...any) { Get(CategoryLifecycle).Debug(format, args...) }

func Distill(format string, args ...any)      { Get(CategoryDistill).Info(format, args...) }
func DistillDebug(format string, args ...any) { Get(CategoryDistill).Debug(format, args...) }

func Fraud(format string, args ...any)      { Get(CategoryFraud).Info(format, args...) }
func FraudDebug(format string, args ...any) { Get(CategoryFraud).Debug(format, args...) }

func MetaObserver(format string, args ...any)      { Get(CategoryMetaObserver).Info(format, args...) }
func MetaObserverDebug(format string, args ...any) { Get(CategoryMetaObserver).Debug(format, args...) }

func Observer(format string, args ...any)      { Get(CategoryObserver).Info(format, args...) }
func ObserverDebug(format string, args ...any) { Get(CategoryObserver).Debug(format, args...) }

func Retrieval(format string, args ...any)      { Get(CategoryRetrieval).Info(format, args...) }
func RetrievalDebug(format string, args ...any) { Get(CategoryRetrieval).Debug(format, args...) }

func Embedding(format string, args ...any)      { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...any) { Get(CategoryEmbedding).Debug(format, args...) }

func Query(format string, args ...any)      { Get(CategoryQuery).Info(format, args...) }
func QueryDebug(format string, args ...any) { Get(CategoryQuery).Debug(format, args...) }

func Scheduler(format string, args ...any)      { Get(CategoryScheduler).Info(format, args...) }
func SchedulerDebug(format string, args ...any) { Get(CategoryScheduler).Debug(format, args...) }
