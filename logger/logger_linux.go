// +build linux

// Package logger is a thin wrapper around UNIX syslog: logger.New opens
// the Writer, logger.NewStructured (logrus.go) wraps it for structured
// logging, and the few LogXxx helpers below cover call sites that log
// before a structured Logger exists or outside of one (audit).
package logger

import (
	sl "log/syslog"
)

// Priority is the logger priority
type Priority = sl.Priority

// Writer is a syslog Writer
type Writer = sl.Writer

// Severity. From /usr/include/sys/syslog.h; same on Linux, BSD, OS X.
const (
	LOG_EMERG Priority = iota
	LOG_ALERT
	LOG_CRIT
	LOG_ERR
	LOG_WARNING
	LOG_NOTICE
	LOG_INFO
	LOG_DEBUG
)

// Facility. Only the one the daemon actually opens syslog with; trimmed
// from the full /usr/include/sys/syslog.h table since nothing here logs
// to mail/news/uucp/cron/etc.
const (
	LOG_DAEMON Priority = 3 << 3
)

var l *sl.Writer

// New returns a new log Writer.
func New(flags Priority, tag string) (w *Writer, e error) {
	w, e = sl.New(flags, tag)
	l = w
	return w, e
}

// LogClose closes the log Writer.
func LogClose() error {
	if l != nil {
		return l.Close()
	}
	return nil
}

// LogErr logs s at LOG_ERR. Used by audit for failures that must never
// be fatal to a session but still need to reach the operator.
func LogErr(s string) error {
	if l != nil {
		return l.Err(s)
	}
	return nil
}
