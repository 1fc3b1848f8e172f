package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger is a file-backed session logger for trading control activity.
// One logger instance corresponds to one control-plane session.
type Logger struct {
	session string
	logFile *os.File
	logger  *log.Logger
	debug   bool
	mu      sync.Mutex
	logDir  string
	logPath string
}

// Level tags each log entry with the kind of event it records.
type Level string

const (
	LevelInfo      Level = "INFO"
	LevelWarning   Level = "WARN"
	LevelError     Level = "ERROR"
	LevelTrade     Level = "TRADE"
	LevelStatus    Level = "STATUS"
	LevelEmergency Level = "EMERGENCY"
	LevelDebug     Level = "DEBUG"
)

// New creates a file logger for the named session. Log files are dated
// and live under logs/.
func New(session string) (*Logger, error) {
	return NewWithDebug(session, false)
}

// NewNop creates a logger that discards all output. Used in tests.
func NewNop() *Logger {
	return &Logger{
		session: "nop",
		logger:  log.New(io.Discard, "", 0),
	}
}

// NewWithDebug creates a file logger that optionally records debug entries.
func NewWithDebug(session string, debug bool) (*Logger, error) {
	logDir := "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.log", session, time.Now().Format("2006-01-02"))
	logPath := filepath.Join(logDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := &Logger{
		session: session,
		logFile: file,
		logger:  log.New(file, "", 0),
		debug:   debug,
		logDir:  logDir,
		logPath: logPath,
	}
	l.writeSessionHeader()
	return l, nil
}

func (l *Logger) writeSessionHeader() {
	l.mu.Lock()
	defer l.mu.Unlock()

	header := fmt.Sprintf(`
================================================================================
TRADING CONTROL SESSION STARTED
================================================================================
Session: %s
Started: %s
================================================================================
`, l.session, time.Now().Format("2006-01-02 15:04:05"))
	l.logger.Print(header)
}

// Log writes a formatted entry at the given level.
func (l *Logger) Log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	l.logger.Println(fmt.Sprintf("[%s] [%s] %s", timestamp, level, message))
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.Log(LevelInfo, format, args...)
}

func (l *Logger) Warning(format string, args ...interface{}) {
	l.Log(LevelWarning, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.Log(LevelError, format, args...)
}

func (l *Logger) Trade(format string, args ...interface{}) {
	l.Log(LevelTrade, format, args...)
}

func (l *Logger) Status(format string, args ...interface{}) {
	l.Log(LevelStatus, format, args...)
}

// Debug writes an entry only when debug mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.Log(LevelDebug, format, args...)
}

// LogCycle records the outcome of one control-loop cycle.
func (l *Logger) LogCycle(n int64, elapsed time.Duration, signals, trades int) {
	l.Log(LevelStatus, "cycle %d complete in %s: %d signals, %d trades", n, elapsed.Round(time.Millisecond), signals, trades)
}

// LogEmergencyTransition records an emergency level change.
func (l *Logger) LogEmergencyTransition(from, to string, drawdown float64, activeEvents int) {
	l.Log(LevelEmergency, "emergency level %s -> %s (drawdown %.1f%%, active stress events %d)", from, to, drawdown*100, activeEvents)
}

// LogHardStop records the authoritative reason trading was disabled.
func (l *Logger) LogHardStop(reason string) {
	l.Log(LevelEmergency, "TRADING DISABLED: %s", reason)
}

// GetLogPath returns the path of the active log file.
func (l *Logger) GetLogPath() string {
	return l.logPath
}

// Close flushes and closes the underlying log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		err := l.logFile.Close()
		l.logFile = nil
		return err
	}
	return nil
}
