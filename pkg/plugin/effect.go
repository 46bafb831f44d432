package plugin

import "log/slog"

// Effect describes a side effect requested by a host transition. Transitions
// never perform I/O; an interpreter such as Driver executes the effects.
//
// The set of effects is closed: LogEffect, LoadPluginEffect and ErrorEffect.
type Effect interface {
	isEffect()
}

// LogEffect asks the interpreter to write a log record.
type LogEffect struct {
	Level   slog.Level
	Message string
	Attrs   []slog.Attr
}

// LoadPluginEffect asks the interpreter to load the plugin's code and report
// the outcome through CompleteLoading or HandleLoadingError.
type LoadPluginEffect struct {
	Manifest Manifest
}

// ErrorEffect reports a failed transition.
type ErrorEffect struct {
	Message string
	Err     error
}

func (LogEffect) isEffect()        {}
func (LoadPluginEffect) isEffect() {}
func (ErrorEffect) isEffect()      {}

func infoLog(message string, attrs ...slog.Attr) LogEffect {
	return LogEffect{Level: slog.LevelInfo, Message: message, Attrs: attrs}
}

func errorEffect(err error) ErrorEffect {
	return ErrorEffect{Message: errMessage(err), Err: err}
}
