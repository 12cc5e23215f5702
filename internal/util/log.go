// Package util provides shared logging and statistics helpers.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger, which writes
// to stderr.

func LogTrace(format string, args ...interface{}) {
	pterm.DefaultLogger.Trace(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// EnableTrace additionally shows trace messages, which include the media
// engine's internal logs.
func EnableTrace() {
	pterm.DefaultLogger.Level = pterm.LogLevelTrace
}

// Scope tags log lines with the component that produced them, e.g.
// "pion/ice". The tag is a structured logger argument, not part of the
// message.
type Scope string

func (s Scope) args() []pterm.LoggerArgument {
	return pterm.DefaultLogger.Args("scope", string(s))
}

func (s Scope) Trace(format string, args ...interface{}) {
	pterm.DefaultLogger.Trace(fmt.Sprintf(format, args...), s.args())
}

func (s Scope) Debug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...), s.args())
}

func (s Scope) Warning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...), s.args())
}

func (s Scope) Error(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...), s.args())
}
