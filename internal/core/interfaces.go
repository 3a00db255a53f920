// Package core defines the ambient interfaces shared across the
// control plane's packages, independent of the domain model itself.
package core

// ILogger is the structured-logging interface every component logs
// through, implemented by pkg/logging.ZapLogger in production and by
// internal/logging.Logger in tests.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
