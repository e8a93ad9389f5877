package cron

import (
	"fmt"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the time zone expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger receives scheduler diagnostics and job retry logs.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithErrorHandler receives job failures and recovered job panics.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.errorHandler = handler
		}
	}
}

// WithSeconds makes expressions carry a leading seconds field.
func WithSeconds() Option {
	return func(s *Scheduler) {
		s.seconds = true
	}
}

// cronLogger forwards robfig/cron errors. Its Info stream reports every
// wakeup and is dropped.
type cronLogger struct {
	logger Logger
}

func (cronLogger) Info(string, ...any) {}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	if len(keysAndValues) > 0 {
		msg = fmt.Sprintf("%s %v", msg, keysAndValues)
	}
	l.logger.Error("cron: %s: %v", msg, err)
}

// panicReporter hands panics recovered by rcron.Recover to the error
// handler.
type panicReporter func(error)

func (panicReporter) Info(string, ...any) {}

func (r panicReporter) Error(err error, msg string, _ ...any) {
	if err == nil {
		err = fmt.Errorf("%s", msg)
	}
	r(err)
}

var _ rcron.Logger = cronLogger{}
var _ rcron.Logger = panicReporter(nil)
