package engine

import (
	"fmt"
)

// CommandExecutionStatus is the machine-readable outcome carried by every handler response.
type CommandExecutionStatus string

const (
	// CommandExecutionStatusSuccess indicates the command completed.
	CommandExecutionStatusSuccess CommandExecutionStatus = "SUCCESS"

	// CommandExecutionStatusFailure indicates the command failed.
	CommandExecutionStatusFailure CommandExecutionStatus = "FAILURE"

	// CommandExecutionStatusRunning marks intermediate log lines.
	CommandExecutionStatusRunning CommandExecutionStatus = "RUNNING"
)

// IsTerminal returns true if the status is final.
func (s CommandExecutionStatus) IsTerminal() bool {
	return s == CommandExecutionStatusSuccess || s == CommandExecutionStatusFailure
}

// Validate checks if the status is valid.
func (s CommandExecutionStatus) Validate() error {
	switch s {
	case CommandExecutionStatusSuccess, CommandExecutionStatusFailure, CommandExecutionStatusRunning:
		return nil
	default:
		return fmt.Errorf("invalid command execution status: %s", s)
	}
}

// LogLevel is the severity of an execution log line.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// LogCallback is the ordered, append-only operator log consumed by every handler step.
// It is for progress reporting and never drives control flow.
type LogCallback interface {
	SaveExecutionLog(message string, level LogLevel, status CommandExecutionStatus)
}

// LogCallbackFunc adapts a function into a LogCallback.
type LogCallbackFunc func(message string, level LogLevel, status CommandExecutionStatus)

// SaveExecutionLog implements LogCallback.
func (f LogCallbackFunc) SaveExecutionLog(message string, level LogLevel, status CommandExecutionStatus) {
	f(message, level, status)
}

// NopLogCallback discards every line.
type NopLogCallback struct{}

// SaveExecutionLog implements LogCallback.
func (NopLogCallback) SaveExecutionLog(string, LogLevel, CommandExecutionStatus) {}

// Info writes an intermediate info line.
func Info(cb LogCallback, format string, args ...interface{}) {
	cb.SaveExecutionLog(fmt.Sprintf(format, args...), LogLevelInfo, CommandExecutionStatusRunning)
}

// Warn writes an intermediate warning line.
func Warn(cb LogCallback, format string, args ...interface{}) {
	cb.SaveExecutionLog(fmt.Sprintf(format, args...), LogLevelWarn, CommandExecutionStatusRunning)
}

// Done writes the final success line of a command unit.
func Done(cb LogCallback, format string, args ...interface{}) {
	cb.SaveExecutionLog(fmt.Sprintf(format, args...), LogLevelInfo, CommandExecutionStatusSuccess)
}

// Fail writes the final error line of a command unit.
func Fail(cb LogCallback, format string, args ...interface{}) {
	cb.SaveExecutionLog(fmt.Sprintf(format, args...), LogLevelError, CommandExecutionStatusFailure)
}
