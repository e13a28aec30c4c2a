// Fit quality metrics computed over an output stack
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"saimfit/internal/layers"
)

// ErrNoPixels is returned by a metric that has no pixel to work on.
var ErrNoPixels = errors.New("no pixels to evaluate")

// Metric defines the interface for fit quality metrics
type Metric interface {
	// Calculate computes the metric value
	Calculate(out *layers.Stack) (float64, error)

	// GetName returns the metric name
	GetName() string

	// GetDescription returns the metric description
	GetDescription() string

	// GetRange returns the value range (min, max)
	GetRange() (float64, float64)

	// IsHigherBetter returns true if higher values indicate a better fit
	IsHigherBetter() bool
}

// Evaluator manages and calculates multiple metrics
type Evaluator struct {
	metrics map[string]Metric
}

// NewEvaluator creates an evaluator with the default metrics registered.
func NewEvaluator() *Evaluator {
	e := &Evaluator{
		metrics: make(map[string]Metric),
	}
	e.RegisterDefaultMetrics()
	return e
}

// RegisterDefaultMetrics registers all default metrics
func (e *Evaluator) RegisterDefaultMetrics() {
	e.Register("mean_r_squared", NewMeanRSquared())
	e.Register("median_height", NewMedianHeight())
	e.Register("height_std", NewHeightStd())
	e.Register("fitted_fraction", NewFittedFraction())
	e.Register("failed_fraction", NewFailedFraction())
}

// Register registers a metric
func (e *Evaluator) Register(name string, metric Metric) {
	e.metrics[name] = metric
}

// Names returns the registered metric names in sorted order.
func (e *Evaluator) Names() []string {
	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calculate calculates a specific metric
func (e *Evaluator) Calculate(name string, out *layers.Stack) (float64, error) {
	metric, exists := e.metrics[name]
	if !exists {
		return 0, fmt.Errorf("metric not found: %s", name)
	}
	if out == nil {
		return 0, ErrNoPixels
	}
	return metric.Calculate(out)
}

// CalculateAll calculates all registered metrics. Metrics that cannot be
// computed are left out.
func (e *Evaluator) CalculateAll(out *layers.Stack) map[string]float64 {
	results := make(map[string]float64)
	if out == nil {
		return results
	}
	for name, metric := range e.metrics {
		if value, err := metric.Calculate(out); err == nil {
			results[name] = value
		}
	}
	return results
}

// GetMetricInfo returns information about all metrics
func (e *Evaluator) GetMetricInfo() map[string]MetricInfo {
	info := make(map[string]MetricInfo)
	for name, metric := range e.metrics {
		min, max := metric.GetRange()
		info[name] = MetricInfo{
			Name:         metric.GetName(),
			Description:  metric.GetDescription(),
			Range:        [2]float64{min, max},
			HigherBetter: metric.IsHigherBetter(),
		}
	}
	return info
}

// MetricInfo provides metadata about a metric
type MetricInfo struct {
	Name         string
	Description  string
	Range        [2]float64 // [min, max]
	HigherBetter bool
}

// QualityReport summarises how well a run fitted.
type QualityReport struct {
	Metrics   map[string]float64 `json:"metrics" yaml:"metrics"`
	Analysis  QualityAnalysis    `json:"analysis" yaml:"analysis"`
	Timestamp string             `json:"timestamp" yaml:"timestamp"`
}

// QualityAnalysis provides interpretation of metrics
type QualityAnalysis struct {
	QualityLevel string   `json:"quality_level" yaml:"quality_level"` // "excellent", "good", "fair", "poor", "none"
	Issues       []string `json:"issues" yaml:"issues"`
	Suggestions  []string `json:"suggestions" yaml:"suggestions"`
}

// GenerateReport computes all metrics and interprets them.
func (e *Evaluator) GenerateReport(out *layers.Stack) QualityReport {
	metrics := e.CalculateAll(out)
	analysis := e.analyzeQuality(metrics)
	if out != nil && out.Partial() {
		analysis.Issues = append(analysis.Issues, "Run was stopped before every pixel was processed")
	}
	return QualityReport{
		Metrics:   metrics,
		Analysis:  analysis,
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
	}
}

// analyzeQuality analyzes quality metrics and provides insights
func (e *Evaluator) analyzeQuality(metrics map[string]float64) QualityAnalysis {
	analysis := QualityAnalysis{
		Issues:      make([]string, 0),
		Suggestions: make([]string, 0),
	}

	r2, ok := metrics["mean_r_squared"]
	switch {
	case !ok:
		analysis.QualityLevel = "none"
		analysis.Issues = append(analysis.Issues, "No pixel was fitted")
		analysis.Suggestions = append(analysis.Suggestions, "Lower the intensity threshold or check the region of interest")
	case r2 >= 0.99:
		analysis.QualityLevel = "excellent"
	case r2 >= 0.95:
		analysis.QualityLevel = "good"
	case r2 >= 0.8:
		analysis.QualityLevel = "fair"
	default:
		analysis.QualityLevel = "poor"
	}

	if ok && r2 < 0.8 {
		analysis.Issues = append(analysis.Issues, "Low mean R² indicates the model does not match the data")
		analysis.Suggestions = append(analysis.Suggestions, "Check wavelength, sample index and oxide thickness")
	}
	if failed, exists := metrics["failed_fraction"]; exists && failed > 0.1 {
		analysis.Issues = append(analysis.Issues, "Many pixels failed to converge")
		analysis.Suggestions = append(analysis.Suggestions, "Add height guesses or raise max_iterations")
	}

	return analysis
}
