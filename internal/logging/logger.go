package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelAttack
)

type Logger struct {
	mu      sync.Mutex
	out     io.WriteCloser
	logger  *log.Logger
	logPath string
	level   LogLevel
}

var (
	defaultLogger *Logger
	// level applies before Init too, so early messages honour --debug.
	currentLevel = LogLevelInfo
	levelMu      sync.RWMutex
)

func Init(cfg config.LoggingConfig, debug bool) error {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return err
	}

	level := parseLogLevel(cfg.Level, debug)
	logPath := filepath.Join(cfg.Dir, cfg.FileName)

	rotating := NewRotatingWriter(logPath, cfg.Rotation)

	// Use MultiWriter to write to both file and stdout
	var w io.Writer = rotating
	if cfg.Stdout {
		w = io.MultiWriter(rotating, os.Stdout)
	}

	defaultLogger = &Logger{
		out:     rotating,
		logger:  log.New(w, "", 0),
		logPath: logPath,
		level:   level,
	}
	SetLevel(level)

	fmt.Printf("[LOGGING] Initialized - File: %s, MaxSize: %d MB, Level: %s\n",
		logPath, cfg.Rotation.MaxSizeMB, cfg.Level)
	return nil
}

func parseLogLevel(level string, debug bool) LogLevel {
	if debug {
		return LogLevelDebug
	}

	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// SetLevel changes the minimum level at runtime (config hot reload).
func SetLevel(level LogLevel) {
	levelMu.Lock()
	currentLevel = level
	levelMu.Unlock()
}

// SetLevelName is SetLevel for a config string.
func SetLevelName(name string) {
	SetLevel(parseLogLevel(name, false))
}

func enabled(level LogLevel) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return level >= currentLevel
}

// writeLog formats one line and writes it to the rotating file (and stdout).
func (l *Logger) writeLog(levelStr, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	l.logger.Printf("[%s] [%s] %s", timestamp, levelStr, msg)
}

func write(level LogLevel, levelStr, text string) {
	if !enabled(level) {
		return
	}
	if defaultLogger != nil {
		defaultLogger.writeLog(levelStr, text)
		return
	}
	fmt.Printf("[%s] %s\n", levelStr, text)
}

func Info(msg string, args ...interface{}) {
	write(LogLevelInfo, "INFO", fmt.Sprintf(msg, args...))
}

func Warn(msg string, args ...interface{}) {
	write(LogLevelWarn, "WARN", fmt.Sprintf(msg, args...))
}

func Error(msg string, args ...interface{}) {
	write(LogLevelError, "ERROR", fmt.Sprintf(msg, args...))
}

func Debug(msg string, args ...interface{}) {
	write(LogLevelDebug, "DEBUG", fmt.Sprintf(msg, args...))
}

func Attack(sourceIP, protocol, detail, attackType string) {
	text := fmt.Sprintf("ATTACK | IP: %s | %s | %s | Type: %s", sourceIP, protocol, detail, attackType)
	write(LogLevelAttack, "ATTACK", text)
}

func Close() {
	if defaultLogger != nil && defaultLogger.out != nil {
		defaultLogger.mu.Lock()
		defer defaultLogger.mu.Unlock()
		defaultLogger.out.Close()
	}
}
