package engine

import "log/slog"

// LogObserver streams subprocess progress to a logger at debug level, so a
// daemon running with --log-level debug shows engine output live.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnStdout(line string) { o.logger.Debug("engine stdout", "line", line) }
func (o *LogObserver) OnStderr(line string) { o.logger.Debug("engine stderr", "line", line) }
func (o *LogObserver) OnTrace(msg string)   { o.logger.Debug("engine trace", "msg", msg) }
