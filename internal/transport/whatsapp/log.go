package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	logx "avisobot/pkg/logx"
)

// waLogger bridges whatsmeow's logger interface onto logx.
type waLogger struct {
	log logx.Logger
}

func newWALogger(log logx.Logger) waLog.Logger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &waLogger{log: log}
}

func (w *waLogger) Errorf(msg string, args ...any) { w.log.Error(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Warnf(msg string, args ...any)  { w.log.Warn(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Infof(msg string, args ...any)  { w.log.Debug(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Debugf(msg string, args ...any) { w.log.Trace(fmt.Sprintf(msg, args...)) }

func (w *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{log: w.log.With(logx.String("wa", module))}
}
