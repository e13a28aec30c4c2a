// internal/core/pipeline_debug.go
// Run debugging and performance bookkeeping
package core

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"saimfit/internal/config"
	"saimfit/internal/layers"
)

// Report summarises one finished run.
type Report struct {
	ID       string             `json:"id" yaml:"id"`
	State    State              `json:"-" yaml:"-"`
	Started  time.Time          `json:"started" yaml:"started"`
	Duration time.Duration      `json:"duration" yaml:"duration"`
	Width    int                `json:"width" yaml:"width"`
	Height   int                `json:"height" yaml:"height"`
	Counts   layers.Counts      `json:"counts" yaml:"counts"`
	Partial  bool               `json:"partial" yaml:"partial"`
	Error    string             `json:"error,omitempty" yaml:"error,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// PixelsPerSecond returns the throughput of the run over all visited pixels.
func (r Report) PixelsPerSecond() float64 {
	visited := r.Counts.Total() - r.Counts.Pending
	if r.Duration <= 0 {
		return 0
	}
	return float64(visited) / r.Duration.Seconds()
}

// RunOperation is one recorded operation.
type RunOperation struct {
	Timestamp time.Time
	Operation string // "run_start", "run_complete", "preview"
	Success   bool
	Duration  time.Duration
	Details   map[string]interface{}
	Error     string
}

// RunDebugger keeps a history of session and preview operations and logs
// them at debug level.
type RunDebugger struct {
	logger *logrus.Logger

	mu           sync.Mutex
	operations   []RunOperation
	runTimes     []time.Duration
	previewTimes []time.Duration
	reports      []Report
}

func NewRunDebugger(logger *logrus.Logger) *RunDebugger {
	return &RunDebugger{logger: logger}
}

func (d *RunDebugger) LogOperation(operation string, success bool, duration time.Duration, details map[string]interface{}, err error) {
	errorStr := ""
	if err != nil {
		errorStr = err.Error()
	}

	d.mu.Lock()
	d.operations = append(d.operations, RunOperation{
		Timestamp: time.Now(),
		Operation: operation,
		Success:   success,
		Duration:  duration,
		Details:   details,
		Error:     errorStr,
	})
	switch operation {
	case "run_complete":
		d.runTimes = append(d.runTimes, duration)
	case "preview":
		d.previewTimes = append(d.previewTimes, duration)
	}
	d.mu.Unlock()

	entry := d.logger.WithFields(logrus.Fields{
		"operation":   operation,
		"success":     success,
		"duration_ms": duration.Milliseconds(),
	})
	for k, v := range details {
		entry = entry.WithField(k, v)
	}
	if !success {
		entry.WithField("error", errorStr).Error("DEBUG: Operation failed")
		return
	}
	entry.Debug("DEBUG: Operation")
}

func (d *RunDebugger) LogRunStart(id string, cfg config.FitConfig) {
	d.LogOperation("run_start", true, 0, map[string]interface{}{
		"run":    id,
		"solver": cfg.SolverName(),
		"count":  cfg.Count,
	}, nil)
}

func (d *RunDebugger) LogRunComplete(rep Report) {
	var err error
	if rep.Error != "" {
		err = errors.New(rep.Error)
	}
	d.LogOperation("run_complete", rep.State != Failed, rep.Duration, map[string]interface{}{
		"run":    rep.ID,
		"state":  rep.State.String(),
		"fitted": rep.Counts.Fitted,
	}, err)
	d.mu.Lock()
	d.reports = append(d.reports, rep)
	d.mu.Unlock()
}

func (d *RunDebugger) LogPreview(generation uint64, duration time.Duration, err error) {
	details := map[string]interface{}{"generation": generation}
	if errors.Is(err, ErrSuperseded) {
		// replaced by a newer preview, the normal outcome of rapid edits
		details["superseded"] = true
		err = nil
	}
	d.LogOperation("preview", err == nil, duration, details, err)
}

// Operations returns a copy of the recorded operations.
func (d *RunDebugger) Operations() []RunOperation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]RunOperation(nil), d.operations...)
}

// Reports returns the reports of all finished runs, oldest first.
func (d *RunDebugger) Reports() []Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Report(nil), d.reports...)
}

func (d *RunDebugger) GetStats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := map[string]interface{}{
		"total_operations": len(d.operations),
		"total_runs":       len(d.runTimes),
		"total_previews":   len(d.previewTimes),
	}

	successCount := 0
	for _, op := range d.operations {
		if op.Success {
			successCount++
		}
	}
	if len(d.operations) > 0 {
		stats["success_rate"] = float64(successCount) / float64(len(d.operations))
	}
	if len(d.runTimes) > 0 {
		stats["avg_run_time"] = averageDuration(d.runTimes)
	}
	if len(d.previewTimes) > 0 {
		stats["avg_preview_time"] = averageDuration(d.previewTimes)
	}
	return stats
}

// PrintStatus writes a human readable summary to w.
func (d *RunDebugger) PrintStatus(w io.Writer) {
	ops := d.Operations()
	reports := d.Reports()

	fmt.Fprintln(w, "=== RUN DEBUG STATUS ===")
	fmt.Fprintf(w, "Total Operations: %d\n", len(ops))
	fmt.Fprintf(w, "Finished Runs: %d\n", len(reports))

	for _, r := range reports {
		fmt.Fprintf(w, "  [%s] %s %s fitted=%d skipped=%d failed=%d pending=%d (%v)\n",
			r.Started.Format("15:04:05.000"),
			r.ID,
			r.State,
			r.Counts.Fitted,
			r.Counts.Skipped,
			r.Counts.Failed,
			r.Counts.Pending,
			r.Duration)
	}

	recent := 5
	if len(ops) < recent {
		recent = len(ops)
	}
	if recent > 0 {
		fmt.Fprintln(w, "Recent Operations:")
	}
	for _, op := range ops[len(ops)-recent:] {
		status := "SUCCESS"
		if !op.Success {
			status = "FAILED"
		}
		fmt.Fprintf(w, "  [%s] %s - %s (%v)\n",
			op.Timestamp.Format("15:04:05.000"),
			op.Operation,
			status,
			op.Duration)
	}
}

func averageDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations))
}
