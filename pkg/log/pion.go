package log

import (
	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// PionFactory routes pion's internal logging (ICE, DTLS, SCTP) through logrus,
// tagging every line with the pion scope. pion's trace level maps to logrus trace.
func PionFactory() logging.LoggerFactory {
	return pionFactory{}
}

type pionFactory struct{}

func (pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{entry: logrus.WithField("pion", scope)}
}

type pionLogger struct {
	entry *logrus.Entry
}

func (l pionLogger) Trace(msg string)                  { l.entry.Trace(msg) }
func (l pionLogger) Tracef(format string, args ...any) { l.entry.Tracef(format, args...) }
func (l pionLogger) Debug(msg string)                  { l.entry.Debug(msg) }
func (l pionLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l pionLogger) Info(msg string)                   { l.entry.Info(msg) }
func (l pionLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l pionLogger) Warn(msg string)                   { l.entry.Warn(msg) }
func (l pionLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l pionLogger) Error(msg string)                  { l.entry.Error(msg) }
func (l pionLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
