package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"quiz-autotap/src/config"
	"quiz-autotap/src/decision"
	"quiz-autotap/src/inject"
	"quiz-autotap/src/llm"
	"quiz-autotap/src/logutil"
	"quiz-autotap/src/ocr"
)

const (
	maxFileSizeMB = 10
	maxFileSize   = maxFileSizeMB * 1024 * 1024
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

// app carries process I/O and the constructors for external collaborators so
// tests can swap them.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	global globalOptions

	newRecognizer func(cfg *config.Config, logger logrus.FieldLogger) (ocr.Recognizer, func(), error)
	newOracle     func(cfg *config.Config) (decision.Oracle, error)
	newInjector   func(dryRun bool, logger logrus.FieldLogger) inject.Injector
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:         stdin,
		stdout:        stdout,
		stderr:        stderr,
		newRecognizer: buildRecognizer,
		newOracle:     buildOracle,
		newInjector:   buildInjector,
	}
}

func (a *app) loadConfig(modeOverride string) (*config.Config, error) {
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		APIKeyPathOverride: a.global.apiKeyPath,
		ModeOverride:       modeOverride,
		EnvPath:            a.global.envPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	a.verbosef("Config loaded: Model=%s, OCR=%s, Mode=%s", cfg.Model, cfg.OCREngine, cfg.Mode)
	a.verbosef("Effective API key path: %s", cfg.APIKeyPath)
	a.verbosef("API key: %s", logutil.RedactKey(cfg.APIKey))
	return cfg, nil
}

// logger builds the process logger. Long-running commands log at the configured
// level, one-off commands only report warnings unless verbose.
func (a *app) logger(cfg *config.Config, longRunning bool) *logrus.Logger {
	level := cfg.LogLevel
	if !longRunning {
		level = "warn"
	}
	if a.global.verbose {
		level = "debug"
	}
	return logutil.Setup(logutil.Options{
		EnableFileLogging: cfg.EnableFileLogging,
		Level:             level,
		Format:            cfg.LogFormat,
		Output:            a.stderr,
	})
}

func buildRecognizer(cfg *config.Config, logger logrus.FieldLogger) (ocr.Recognizer, func(), error) {
	var (
		rec     ocr.Recognizer
		closeFn = func() {}
	)
	switch cfg.OCREngine {
	case config.OCREngineVision:
		if cfg.APIKey == "" {
			return nil, nil, missingKeyError(cfg)
		}
		model := cfg.VisionModel
		if model == "" {
			model = cfg.Model
		}
		rec = ocr.NewVision(llm.New(llm.Config{
			APIKey:      cfg.APIKey,
			Model:       model,
			Endpoint:    cfg.OracleURL,
			Providers:   cfg.Providers,
			Timeout:     cfg.OCRDeadline(),
			MaxAttempts: 3,
		}))
	default:
		t, err := ocr.NewTesseract(cfg.OCRLanguages...)
		if err != nil {
			return nil, nil, err
		}
		rec = t
		closeFn = func() { _ = t.Close() }
	}

	if cfg.DebugSaveImages {
		rec = &ocr.DebugSaver{Next: rec, Dir: ".", Logger: logger}
	}
	return ocr.WithDeadline(rec, cfg.OCRDeadline()), closeFn, nil
}

func buildOracle(cfg *config.Config) (decision.Oracle, error) {
	if cfg.APIKey == "" {
		return nil, missingKeyError(cfg)
	}
	return llm.New(llm.Config{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		Endpoint:  cfg.OracleURL,
		Providers: cfg.Providers,
		Timeout:   cfg.OracleTimeout,
	}), nil
}

func buildInjector(dryRun bool, logger logrus.FieldLogger) inject.Injector {
	if dryRun {
		return inject.NewRecorder(logger)
	}
	return inject.NewRobot(logger)
}

func missingKeyError(cfg *config.Config) error {
	return fmt.Errorf("ORACLE_API_KEY not found. Checked key file %s and ORACLE_API_KEY env var", cfg.APIKeyPath)
}

// readInput reads a file, or stdin for "-", enforcing the size limit.
func (a *app) readInput(path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		a.verbosef("Reading input from stdin")
		data, err = io.ReadAll(io.LimitReader(a.stdin, maxFileSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		a.verbosef("Reading input from file: %s", path)
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("input file is empty")
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("input file exceeds maximum size of %d MB", maxFileSizeMB)
	}
	a.verbosef("Read %d bytes", len(data))
	return data, nil
}

func validatePNG(data []byte) error {
	if len(data) < len(pngMagic) || !bytes.Equal(data[:len(pngMagic)], pngMagic) {
		return fmt.Errorf("input is not a valid PNG file (invalid magic number)")
	}
	return nil
}

func sourceName(path string) string {
	if path == "-" {
		return "stdin"
	}
	return strings.TrimSpace(path)
}
