package report

import (
	"fmt"
	"strings"
)

// LogLevel classifies an action log entry.
type LogLevel string

const (
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogScope says whether an entry concerns the whole submission or one row.
type LogScope string

const (
	ScopeReport LogScope = "report"
	ScopeItem   LogScope = "item"
)

// LogEntry is one collected validation or duplicate finding.
type LogEntry struct {
	Level   LogLevel
	Scope   LogScope
	RowNum  int // 1-based, item scope only
	Code    string
	Message string
}

// ActionLog accumulates per-row and per-file findings during receive and
// process. Stages never swallow a failure silently: it either lands here or
// aborts the stage.
type ActionLog struct {
	entries []LogEntry
}

// Error adds a report-scoped error.
func (l *ActionLog) Error(code, format string, args ...interface{}) {
	l.entries = append(l.entries, LogEntry{
		Level: LevelError, Scope: ScopeReport, Code: code,
		Message: fmt.Sprintf(format, args...),
	})
}

// Warn adds a report-scoped warning.
func (l *ActionLog) Warn(code, format string, args ...interface{}) {
	l.entries = append(l.entries, LogEntry{
		Level: LevelWarning, Scope: ScopeReport, Code: code,
		Message: fmt.Sprintf(format, args...),
	})
}

// ItemError adds an error for the given 1-based row number.
func (l *ActionLog) ItemError(rowNum int, code, format string, args ...interface{}) {
	l.entries = append(l.entries, LogEntry{
		Level: LevelError, Scope: ScopeItem, RowNum: rowNum, Code: code,
		Message: fmt.Sprintf(format, args...),
	})
}

// ItemWarn adds a warning for the given 1-based row number.
func (l *ActionLog) ItemWarn(rowNum int, code, format string, args ...interface{}) {
	l.entries = append(l.entries, LogEntry{
		Level: LevelWarning, Scope: ScopeItem, RowNum: rowNum, Code: code,
		Message: fmt.Sprintf(format, args...),
	})
}

// HasErrors reports whether the log holds at least one error-level entry.
func (l *ActionLog) HasErrors() bool {
	for _, e := range l.entries {
		if e.Level == LevelError {
			return true
		}
	}
	return false
}

// Entries returns the collected entries in insertion order.
func (l *ActionLog) Entries() []LogEntry { return l.entries }

// Warnings returns only the warning-level entries.
func (l *ActionLog) Warnings() []LogEntry {
	var out []LogEntry
	for _, e := range l.entries {
		if e.Level == LevelWarning {
			out = append(out, e)
		}
	}
	return out
}

// Summary renders the log as one aggregate message, the text surfaced when a
// submission is rejected.
func (l *ActionLog) Summary() string {
	var b strings.Builder
	for i, e := range l.entries {
		if i > 0 {
			b.WriteString("; ")
		}
		if e.Scope == ScopeItem {
			fmt.Fprintf(&b, "[%s row %d] %s", e.Level, e.RowNum, e.Message)
		} else {
			fmt.Fprintf(&b, "[%s] %s", e.Level, e.Message)
		}
	}
	return b.String()
}
