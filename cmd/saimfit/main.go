// saimfit fits SAIM height maps from a stack of angle-scanned images.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	stdio "io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"saimfit/internal/algorithms"
	"saimfit/internal/config"
	"saimfit/internal/core"
	"saimfit/internal/io"
	"saimfit/internal/metrics"
	"saimfit/internal/prefs"
)

const (
	AppName    = "saimfit"
	AppVersion = "1.0.0"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitConfig  = 2
	exitAborted = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, nil))
}

type options struct {
	frames    string
	fits      string
	multipage string
	out       string
	report    string
	cfgPath   string
	saveCfg   string
	prefsPath string
	heights   string
	debug     bool
	version   bool
}

// cliFlags holds the flag values that map onto FitConfig fields. They are
// applied only when given explicitly.
type cliFlags struct {
	wavelength, nSample, oxide      float64
	firstAngle, step                float64
	count                           int
	mirror, doubled                 bool
	a, b, threshold                 float64
	thresholdMode                   string
	solver                          string
	maxIter, workers                int
	roiX, roiY, roiWidth, roiHeight int
}

func newFlagSet(stderr stdio.Writer, o *options, c *cliFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&o.frames, "frames", "", "Comma separated PNG/TIFF frames, or a directory of them, one per angle")
	fs.StringVar(&o.fits, "fits", "", "FITS cube with one plane per angle")
	fs.StringVar(&o.multipage, "multipage", "", "Multi-page TIFF with one page per angle (gocv builds)")
	fs.StringVar(&o.out, "out", "", "Output FITS file (default: <input>_saim.fits)")
	fs.StringVar(&o.report, "report", "", "Write a YAML run report to this file")
	fs.StringVar(&o.cfgPath, "config", "", "YAML run configuration")
	fs.StringVar(&o.saveCfg, "save-config", "", "Write the effective configuration as YAML and continue")
	fs.StringVar(&o.prefsPath, "prefs", prefs.DefaultPath(), "Preferences file, empty to disable")
	fs.StringVar(&o.heights, "heights", "", `Height guesses in nm, e.g. "10.0, 230.5"`)
	fs.BoolVar(&o.debug, "debug", false, "Enable debug mode with verbose logging")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")

	fs.Float64Var(&c.wavelength, "wavelength", 0, "Excitation wavelength in nm")
	fs.Float64Var(&c.nSample, "n-sample", 0, "Refractive index of the sample")
	fs.Float64Var(&c.oxide, "oxide", 0, "Oxide thickness in nm")
	fs.Float64Var(&c.firstAngle, "first-angle", 0, "First incidence angle in degrees")
	fs.Float64Var(&c.step, "step", 0, "Angle step in degrees")
	fs.IntVar(&c.count, "count", 0, "Number of angles (0: stack depth)")
	fs.BoolVar(&c.mirror, "mirror", false, "Angles are mirrored around 0")
	fs.BoolVar(&c.doubled, "zero-doubled", false, "The 0 degree frame appears twice")
	fs.Float64Var(&c.a, "a", 0, "Initial guess for A")
	fs.Float64Var(&c.b, "b", 0, "Initial guess for B")
	fs.Float64Var(&c.threshold, "threshold", 0, "Pixels at or below this intensity are skipped")
	fs.StringVar(&c.thresholdMode, "threshold-mode", "", "Threshold on the reference frame, the max or the mean (reference|max|mean)")
	fs.StringVar(&c.solver, "solver", "", "Solver: "+strings.Join(algorithms.Names(), ", "))
	fs.IntVar(&c.maxIter, "max-iterations", 0, "Iteration cap per start")
	fs.IntVar(&c.workers, "workers", 0, "Fitting goroutines (0: all CPUs)")
	fs.IntVar(&c.roiX, "roi-x", 0, "Region of interest left edge")
	fs.IntVar(&c.roiY, "roi-y", 0, "Region of interest top edge")
	fs.IntVar(&c.roiWidth, "roi-width", 0, "Region of interest width")
	fs.IntVar(&c.roiHeight, "roi-height", 0, "Region of interest height")
	return fs
}

// applyFlags copies explicitly set flags onto cfg.
func applyFlags(fs *flag.FlagSet, c *cliFlags, heights string, cfg *config.FitConfig) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "wavelength":
			cfg.Wavelength = c.wavelength
		case "n-sample":
			cfg.NSample = c.nSample
		case "oxide":
			cfg.DOx = c.oxide
		case "first-angle":
			cfg.FirstAngle = c.firstAngle
		case "step":
			cfg.AngleStep = c.step
		case "count":
			cfg.Count = c.count
		case "mirror":
			cfg.MirrorAround0 = c.mirror
		case "zero-doubled":
			cfg.ZeroDoubled = c.doubled
		case "a":
			cfg.A = c.a
		case "b":
			cfg.B = c.b
		case "threshold":
			cfg.Threshold = c.threshold
		case "threshold-mode":
			cfg.ThresholdMode = c.thresholdMode
		case "solver":
			cfg.Solver = c.solver
		case "max-iterations":
			cfg.MaxIterations = c.maxIter
		case "workers":
			cfg.Workers = c.workers
		case "roi-x":
			cfg.Region.X = c.roiX
		case "roi-y":
			cfg.Region.Y = c.roiY
		case "roi-width":
			cfg.Region.Width = c.roiWidth
		case "roi-height":
			cfg.Region.Height = c.roiHeight
		case "heights":
			var h []float64
			if h, err = config.ParseHeights(heights); err == nil {
				cfg.Heights = h
			}
		}
	})
	return err
}

// run is main without os.Exit. When stop is nil, SIGINT and SIGTERM stop
// the run; tests pass their own channel.
func run(args []string, stdout, stderr stdio.Writer, stop <-chan os.Signal) int {
	var (
		o options
		c cliFlags
	)
	fs := newFlagSet(stderr, &o, &c)
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if o.version {
		fmt.Fprintf(stdout, "%s %s\n", AppName, AppVersion)
		return exitOK
	}

	logger := initLogger(o.debug, stdout)
	logger.WithFields(logrus.Fields{
		"version":    AppVersion,
		"debug_mode": o.debug,
	}).Info("Starting saimfit")

	var store *prefs.Prefs
	if o.prefsPath != "" {
		var err error
		store, err = prefs.Load(o.prefsPath)
		if err != nil {
			logger.WithError(err).Warn("Ignoring unreadable preferences")
		}
	}

	cfg := config.Default()
	if store != nil {
		cfg = store.LastConfig()
	}
	if o.cfgPath != "" {
		var err error
		if cfg, err = config.Load(o.cfgPath, cfg); err != nil {
			return fail(logger, exitConfig, "Invalid configuration file", err)
		}
	}
	if err := applyFlags(fs, &c, o.heights, &cfg); err != nil {
		return fail(logger, exitConfig, "Invalid flags", err)
	}
	if err := cfg.Validate(); err != nil {
		return fail(logger, exitConfig, "Invalid configuration", err)
	}
	if o.saveCfg != "" {
		if err := config.Save(o.saveCfg, cfg); err != nil {
			return fail(logger, exitFailed, "Cannot save configuration", err)
		}
	}

	loader := io.NewImageLoader(logger)
	src, input, err := loadInput(loader, o)
	if err != nil {
		var shapeErr *core.ShapeError
		if errors.As(err, &shapeErr) || errors.Is(err, errNoInput) {
			return fail(logger, exitConfig, "Invalid input", err)
		}
		return fail(logger, exitFailed, "Cannot load input", err)
	}
	out := o.out
	if out == "" {
		out = strings.TrimSuffix(input, filepath.Ext(input)) + "_saim.fits"
	}

	debugger := core.NewRunDebugger(logger)
	last := -1
	session := core.NewSession(logger,
		core.WithDebugger(debugger),
		core.WithProgress(func(p core.Progress) {
			pct := int(p.Fraction() * 100)
			if pct/10 != last/10 {
				logger.WithFields(logrus.Fields{
					"done":  p.Done,
					"total": p.Total,
				}).Infof("Progress %d%%", pct)
			}
			last = pct
		}),
	)

	fitRun, err := session.Start(cfg, src)
	if err != nil {
		return fail(logger, exitConfig, "Cannot start run", err)
	}

	if stop == nil {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		stop = sig
	}
	go func() {
		select {
		case s := <-stop:
			logger.WithField("signal", fmt.Sprint(s)).Warn("Stopping run")
			fitRun.Stop()
		case <-fitRun.Done():
		}
	}()

	state, _ := fitRun.Wait(context.Background())
	if state == core.Failed {
		code := exitFailed
		var shapeErr *core.ShapeError
		if errors.As(fitRun.Err(), &shapeErr) {
			code = exitConfig
		}
		return fail(logger, code, "Run failed", fitRun.Err())
	}

	result := fitRun.Result()
	if err := loader.SaveFITS(out, result); err != nil {
		return fail(logger, exitFailed, "Cannot save output", err)
	}

	rep := fitRun.Report()
	quality := metrics.NewEvaluator().GenerateReport(result)
	rep.Metrics = quality.Metrics
	if o.report != "" {
		if err := writeReport(o.report, rep, quality); err != nil {
			return fail(logger, exitFailed, "Cannot write report", err)
		}
	}
	logger.WithFields(logrus.Fields{
		"run":      rep.ID,
		"state":    rep.State.String(),
		"output":   out,
		"quality":  quality.Analysis.QualityLevel,
		"fitted":   rep.Counts.Fitted,
		"skipped":  rep.Counts.Skipped,
		"failed":   rep.Counts.Failed,
		"px_per_s": fmt.Sprintf("%.0f", rep.PixelsPerSecond()),
	}).Info("Run finished")
	for _, issue := range quality.Analysis.Issues {
		logger.Warn(issue)
	}

	if store != nil {
		store.SetLastConfig(cfg)
		store.SetLastInput(input)
		store.SetLastOutput(out)
		if err := store.Save(); err != nil {
			logger.WithError(err).Warn("Cannot save preferences")
		}
	}
	if o.debug {
		debugger.PrintStatus(stderr)
	}

	if state == core.Aborted {
		return exitAborted
	}
	return exitOK
}

var errNoInput = errors.New("exactly one of -frames, -fits or -multipage is required")

func loadInput(loader *io.ImageLoader, o options) (*core.Stack, string, error) {
	given := 0
	for _, s := range []string{o.frames, o.fits, o.multipage} {
		if s != "" {
			given++
		}
	}
	if given != 1 {
		return nil, "", errNoInput
	}

	switch {
	case o.fits != "":
		st, err := loader.LoadFITS(o.fits)
		return st, o.fits, err
	case o.multipage != "":
		st, err := loader.LoadMultiPage(o.multipage)
		return st, o.multipage, err
	}

	paths := strings.Split(o.frames, ",")
	if len(paths) == 1 {
		if info, err := os.Stat(paths[0]); err == nil && info.IsDir() {
			st, err := loader.LoadFrameDir(paths[0])
			return st, filepath.Clean(paths[0]), err
		}
	}
	for i := range paths {
		paths[i] = strings.TrimSpace(paths[i])
	}
	st, err := loader.LoadFrames(paths)
	return st, paths[0], err
}

type reportFile struct {
	Run             core.Report           `yaml:"run"`
	State           string                `yaml:"state"`
	PixelsPerSecond float64               `yaml:"pixels_per_second"`
	Quality         metrics.QualityReport `yaml:"quality"`
}

func writeReport(path string, rep core.Report, quality metrics.QualityReport) error {
	data, err := yaml.Marshal(reportFile{
		Run:             rep,
		State:           rep.State.String(),
		PixelsPerSecond: rep.PixelsPerSecond(),
		Quality:         quality,
	})
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func fail(logger *logrus.Logger, code int, msg string, err error) int {
	logger.WithError(err).WithField("exit_code", code).Error(msg)
	return code
}

// initLogger initializes the logger with appropriate level
func initLogger(debugMode bool, out stdio.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}
