package logger

import (
	"fmt"
	"sync"
	"time"
)

// ProgressTracker counts processed units of a batch run and logs at intervals.
type ProgressTracker struct {
	logger      Logger
	operation   string
	total       int64
	succeeded   int64
	failed      int64
	startTime   time.Time
	lastLogTime time.Time
	logInterval time.Duration
	mutex       sync.Mutex
}

// ProgressConfig configures progress tracking behavior
type ProgressConfig struct {
	Operation   string
	Total       int64
	LogInterval time.Duration
	Logger      Logger
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(config ProgressConfig) *ProgressTracker {
	if config.Logger == nil {
		config.Logger = GetGlobalLogger()
	}
	if config.LogInterval == 0 {
		config.LogInterval = 5 * time.Second
	}

	now := time.Now()
	tracker := &ProgressTracker{
		logger:      config.Logger.WithComponent("progress"),
		operation:   config.Operation,
		total:       config.Total,
		startTime:   now,
		lastLogTime: now,
		logInterval: config.LogInterval,
	}

	tracker.logger.WithFields(Fields{
		"operation": config.Operation,
		"total":     config.Total,
	}).Info("Starting batch")

	return tracker
}

// Succeed records one successful unit.
func (p *ProgressTracker) Succeed() {
	p.record(func() { p.succeeded++ })
}

// Fail records one failed unit.
func (p *ProgressTracker) Fail() {
	p.record(func() { p.failed++ })
}

func (p *ProgressTracker) record(apply func()) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	apply()
	now := time.Now()
	if now.Sub(p.lastLogTime) >= p.logInterval {
		p.logger.WithFields(p.fieldsLocked(now)).Info("Progress update")
		p.lastLogTime = now
	}
}

// Complete logs final statistics and returns them.
func (p *ProgressTracker) Complete() ProgressStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats := p.statsLocked(time.Now())
	entry := p.logger.WithFields(p.fieldsLocked(time.Now()))
	if stats.Failed > 0 {
		entry.Warn("Batch completed with failures")
	} else {
		entry.Info("Batch completed")
	}
	return stats
}

// GetStats returns current progress statistics
func (p *ProgressTracker) GetStats() ProgressStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.statsLocked(time.Now())
}

func (p *ProgressTracker) statsLocked(now time.Time) ProgressStats {
	done := p.succeeded + p.failed
	duration := now.Sub(p.startTime)

	stats := ProgressStats{
		Operation: p.operation,
		Total:     p.total,
		Succeeded: p.succeeded,
		Failed:    p.failed,
		Duration:  duration,
	}
	if duration.Seconds() > 0 {
		stats.Rate = float64(done) / duration.Seconds()
	}
	if p.total > 0 {
		stats.Percentage = float64(done) / float64(p.total) * 100
		if stats.Rate > 0 && done < p.total {
			stats.ETA = time.Duration(float64(p.total-done) / stats.Rate * float64(time.Second))
		}
	}
	return stats
}

func (p *ProgressTracker) fieldsLocked(now time.Time) Fields {
	stats := p.statsLocked(now)
	fields := Fields{
		"operation": p.operation,
		"succeeded": stats.Succeeded,
		"failed":    stats.Failed,
		"rate":      fmt.Sprintf("%.2f/sec", stats.Rate),
	}
	if p.total > 0 {
		fields["total"] = p.total
		fields["percentage"] = fmt.Sprintf("%.1f%%", stats.Percentage)
		if stats.ETA > 0 {
			fields["eta"] = stats.ETA.String()
		}
	}
	return fields
}

// ProgressStats contains progress statistics
type ProgressStats struct {
	Operation  string        `json:"operation"`
	Total      int64         `json:"total"`
	Succeeded  int64         `json:"succeeded"`
	Failed     int64         `json:"failed"`
	Percentage float64       `json:"percentage"`
	Duration   time.Duration `json:"duration"`
	Rate       float64       `json:"rate"`
	ETA        time.Duration `json:"eta,omitempty"`
}

// Done returns the number of finished units.
func (ps ProgressStats) Done() int64 {
	return ps.Succeeded + ps.Failed
}

// String returns a human-readable representation of the progress
func (ps ProgressStats) String() string {
	if ps.Total > 0 {
		return fmt.Sprintf("%s: %d/%d (%.1f%%), %d failed, at %.2f/sec",
			ps.Operation, ps.Done(), ps.Total, ps.Percentage, ps.Failed, ps.Rate)
	}
	return fmt.Sprintf("%s: %d processed, %d failed, elapsed: %v",
		ps.Operation, ps.Done(), ps.Failed, ps.Duration)
}

// OperationLogger logs the steps of one statement run with shared fields.
type OperationLogger struct {
	logger    Logger
	operation string
	startTime time.Time
}

// NewOperationLogger creates a new operation logger
func NewOperationLogger(operation string, logger Logger, fields Fields) *OperationLogger {
	if logger == nil {
		logger = GetGlobalLogger()
	}
	log := logger.WithField("operation", operation)
	if len(fields) > 0 {
		log = log.WithFields(fields)
	}

	ol := &OperationLogger{
		logger:    log,
		operation: operation,
		startTime: time.Now(),
	}
	ol.logger.Debug("Starting operation")
	return ol
}

// Logger returns the underlying logger with the operation fields attached.
func (ol *OperationLogger) Logger() Logger {
	return ol.logger
}

// Step logs a step within the operation
func (ol *OperationLogger) Step(step string) {
	ol.logger.WithField("step", step).Info("Operation step")
}

// Success completes the operation successfully
func (ol *OperationLogger) Success(message string, fields Fields) {
	log := ol.logger.WithFields(Fields{
		"duration": time.Since(ol.startTime).String(),
		"status":   "success",
	})
	if len(fields) > 0 {
		log = log.WithFields(fields)
	}
	log.Info(message)
}

// Error completes the operation with an error
func (ol *OperationLogger) Error(err error, message string) {
	ol.logger.WithError(err).WithFields(Fields{
		"duration": time.Since(ol.startTime).String(),
		"status":   "error",
	}).Error(message)
}

// Warning logs a non-fatal problem during the operation
func (ol *OperationLogger) Warning(err error, message string) {
	log := ol.logger
	if err != nil {
		log = log.WithError(err)
	}
	log.Warn(message)
}

// TimedOperation executes fn and logs its duration and outcome.
func TimedOperation(operation string, logger Logger, fn func() error) (time.Duration, error) {
	ol := NewOperationLogger(operation, logger, nil)
	err := fn()
	elapsed := time.Since(ol.startTime)
	if err != nil {
		ol.Error(err, "Operation failed")
	} else {
		ol.Success("Operation completed", nil)
	}
	return elapsed, err
}
