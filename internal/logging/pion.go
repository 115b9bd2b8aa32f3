// Package logging routes pion's internal loggers into zerolog.
package logging

import (
	"os"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PionFactory implements logging.LoggerFactory on top of the global
// zerolog logger. Pion is chatty, so its levels are shifted down by one
// unless Verbose is set.
type PionFactory struct {
	Verbose bool
}

var _ logging.LoggerFactory = PionFactory{}

func (f PionFactory) NewLogger(scope string) logging.LeveledLogger {
	l := log.With().Str("module", "pion").Str("scope", scope).Logger()
	return &pionLogger{l: l, verbose: f.Verbose}
}

type pionLogger struct {
	l       zerolog.Logger
	verbose bool
}

func (p *pionLogger) shift(level zerolog.Level) *zerolog.Event {
	if !p.verbose && level < zerolog.WarnLevel {
		level = zerolog.TraceLevel
	}
	return p.l.WithLevel(level)
}

func (p *pionLogger) Trace(msg string) { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...any) {
	p.l.Trace().Msgf(format, args...)
}
func (p *pionLogger) Debug(msg string) { p.shift(zerolog.DebugLevel).Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...any) {
	p.shift(zerolog.DebugLevel).Msgf(format, args...)
}
func (p *pionLogger) Info(msg string) { p.shift(zerolog.InfoLevel).Msg(msg) }
func (p *pionLogger) Infof(format string, args ...any) {
	p.shift(zerolog.InfoLevel).Msgf(format, args...)
}
func (p *pionLogger) Warn(msg string) { p.l.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...any) {
	p.l.Warn().Msgf(format, args...)
}
func (p *pionLogger) Error(msg string) { p.l.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...any) {
	p.l.Error().Msgf(format, args...)
}

// Setup configures the global zerolog logger the way both binaries want it.
func Setup(level string, pretty bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
