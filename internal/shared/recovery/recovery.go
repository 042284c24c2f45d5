// Package recovery keeps a panicking connection or forwarder goroutine
// from taking down the whole process.
package recovery

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// PanicRecorder counts recovered panics, typically backed by a metric.
type PanicRecorder interface {
	RecordPanic(location string)
}

type Recoverer struct {
	logger   *zap.Logger
	recorder PanicRecorder
}

// NewRecoverer creates a recoverer. recorder may be nil.
func NewRecoverer(logger *zap.Logger, recorder PanicRecorder) *Recoverer {
	return &Recoverer{logger: logger, recorder: recorder}
}

// WrapGoroutine returns fn with panic recovery around it.
func (r *Recoverer) WrapGoroutine(name string, fn func()) func() {
	return func() {
		defer r.Recover(name)
		fn()
	}
}

// SafeGo runs fn on a new goroutine with panic recovery.
func (r *Recoverer) SafeGo(name string, fn func()) {
	go r.WrapGoroutine(name, fn)()
}

// Recover is used as a deferred call at goroutine entry points.
func (r *Recoverer) Recover(location string) {
	if p := recover(); p != nil {
		r.logger.Error("panic recovered",
			zap.String("location", location),
			zap.Any("panic", p),
			zap.ByteString("stack", debug.Stack()),
		)
		if r.recorder != nil {
			r.recorder.RecordPanic(location)
		}
	}
}
