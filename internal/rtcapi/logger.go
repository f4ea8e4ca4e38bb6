package rtcapi

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// SlogLoggerFactory adapts pion's logging to slog so ICE and DTLS internals
// land in the same stream as the rest of the client's logs.
type SlogLoggerFactory struct {
	Logger *slog.Logger
}

func (f SlogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	log := f.Logger
	if log == nil {
		log = slog.Default()
	}
	return slogLeveled{log: log.With("scope", scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

// pion's trace level is below anything slog defines; map it to debug and let
// the handler's level filter decide.
func (l slogLeveled) Trace(msg string)                  { l.log.Debug(msg) }
func (l slogLeveled) Tracef(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l slogLeveled) Debug(msg string)                  { l.log.Debug(msg) }
func (l slogLeveled) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l slogLeveled) Info(msg string)                   { l.log.Info(msg) }
func (l slogLeveled) Infof(format string, args ...any)  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l slogLeveled) Warn(msg string)                   { l.log.Warn(msg) }
func (l slogLeveled) Warnf(format string, args ...any)  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l slogLeveled) Error(msg string)                  { l.log.Error(msg) }
func (l slogLeveled) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }
