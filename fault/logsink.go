package fault

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// LogSink wraps the logger handed to one session's transport. Error lines
// are fed to the process-wide detector and, on a crypto phrase, to the
// owning session's recovery hook.
type LogSink struct {
	base     waLog.Logger
	detector *Detector
	onFault  func()
}

// NewLogSink returns a waLog.Logger; detector and onFault may be nil.
func NewLogSink(base waLog.Logger, detector *Detector, onFault func()) waLog.Logger {
	if base == nil {
		base = waLog.Noop
	}
	return &LogSink{base: base, detector: detector, onFault: onFault}
}

func (s *LogSink) inspect(msg string, args []any) {
	line := fmt.Sprintf(msg, args...)
	if s.detector != nil {
		s.detector.Observe(line)
	}
	if s.onFault != nil && IsCryptoFault(line) {
		detections.WithLabelValues("session").Inc()
		s.onFault()
	}
}

func (s *LogSink) Errorf(msg string, args ...any) {
	s.inspect(msg, args)
	s.base.Errorf(msg, args...)
}

func (s *LogSink) Warnf(msg string, args ...any) {
	s.base.Warnf(msg, args...)
}

func (s *LogSink) Infof(msg string, args ...any) {
	s.base.Infof(msg, args...)
}

func (s *LogSink) Debugf(msg string, args ...any) {
	s.base.Debugf(msg, args...)
}

func (s *LogSink) Sub(module string) waLog.Logger {
	return &LogSink{base: s.base.Sub(module), detector: s.detector, onFault: s.onFault}
}
