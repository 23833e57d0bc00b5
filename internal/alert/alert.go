// Package alert raises operator-visible alerts for batches that need human
// attention.
package alert

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/getsentry/raven-go"
)

// Alerter is notified when a batch exhausts its transfer attempts.
type Alerter interface {
	BatchFailed(batchID string, attempts int, lastError string)
	Close()
}

// New returns a Sentry alerter when dsn is set and a log-only alerter
// otherwise.
func New(dsn string, logger *slog.Logger) (Alerter, error) {
	if dsn == "" {
		return NewLog(logger), nil
	}
	return NewSentry(dsn, logger)
}

// Log writes alerts to the log at error level.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log-only alerter.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// BatchFailed implements Alerter.
func (l *Log) BatchFailed(batchID string, attempts int, lastError string) {
	l.logger.Error("ALERT: batch failed permanently",
		"batch", batchID,
		"attempts", attempts,
		"error", lastError,
	)
}

// Close implements Alerter.
func (l *Log) Close() {}

// Sentry reports alerts to a Sentry server and also logs them.
type Sentry struct {
	client *raven.Client
	log    *Log
}

// NewSentry creates an alerter reporting to the given DSN.
func NewSentry(dsn string, logger *slog.Logger) (*Sentry, error) {
	client, err := raven.New(dsn)
	if err != nil {
		return nil, fmt.Errorf("creating sentry client: %w", err)
	}
	return &Sentry{client: client, log: NewLog(logger)}, nil
}

// BatchFailed implements Alerter.
func (s *Sentry) BatchFailed(batchID string, attempts int, lastError string) {
	s.log.BatchFailed(batchID, attempts, lastError)
	err := errors.New("batch " + batchID + " failed permanently: " + lastError)
	s.client.CaptureError(err, map[string]string{
		"batch":    batchID,
		"attempts": strconv.Itoa(attempts),
	})
}

// Close flushes queued events.
func (s *Sentry) Close() {
	s.client.Wait()
	s.client.Close()
}
