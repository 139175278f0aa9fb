// Package config loads settings from the environment, an optional .env file,
// an API key file and an optional YAML layout profile.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIKeyPath = "/run/secrets/api_keys/groq"
	APIKeyPathEnvVar  = "ORACLE_API_KEY_FILE"
	EnvFileEnvVar     = "QUIZ_AUTOTAP_ENV"

	DefaultOracleURL = "https://api.groq.com/openai/v1/chat/completions"
	DefaultModel     = "llama3-8b-8192"

	ModeOneShot    = "oneshot"
	ModeContinuous = "continuous"

	OCREngineTesseract = "tesseract"
	OCREngineVision    = "vision"

	DefaultControlAddr = "127.0.0.1:8765"
)

type LoadOptions struct {
	APIKeyPathOverride string
	ModeOverride       string
	// EnvPath forces a specific .env file instead of the lookup order.
	EnvPath string
}

// Layout is the calibration of the quiz UI: where the first answer row sits and
// how far apart rows are, as fractions of screen height, plus pixel offsets.
type Layout struct {
	StartYPercentage  float64 `yaml:"start_y_percentage"`
	YOffsetPercentage float64 `yaml:"y_offset_percentage"`
	XOffset           float64 `yaml:"x_offset"`
	YOffset           float64 `yaml:"y_offset"`
}

// Region is a capture rectangle in desktop coordinates.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

type Config struct {
	APIKey     string
	APIKeyPath string
	OracleURL  string
	Model      string
	Providers  []string

	RateLimit     time.Duration
	OracleTimeout time.Duration

	OCREngine      string
	OCRLanguages   []string
	OCRDeadlineSec int
	VisionModel    string

	// DebugSaveImages writes every recognized frame to the working directory.
	DebugSaveImages bool

	CaptureInterval time.Duration
	CaptureDisplay  int
	CaptureToken    string
	// CaptureRegion limits capture to part of the desktop; nil captures CaptureDisplay.
	CaptureRegion *Region

	Mode               string
	OptionCount        int
	Layout             Layout
	LayoutFile         string
	DuplicateThreshold float64

	Hotkey      string
	ControlAddr string

	EnableFileLogging bool
	LogLevel          string
	LogFormat         string
}

func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

func LoadWithOptions(opts LoadOptions) (*Config, error) {
	// Load configuration from sources in priority order:
	// 1) .env in the application (executable) directory
	// 2) If not found, use QUIZ_AUTOTAP_ENV env var as a path to a config file
	envPath := opts.EnvPath
	if envPath == "" {
		envPath = resolveEnvPath()
	}
	dotenvValues := readDotenvValues(envPath)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	}

	apiKeyPath := resolveAPIKeyPath(opts, dotenvValues)
	region, err := parseRegion(os.Getenv("CAPTURE_REGION"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIKey:     resolveAPIKey(apiKeyPath),
		APIKeyPath: apiKeyPath,
		OracleURL:  getEnvWithDefault("ORACLE_URL", DefaultOracleURL),
		Model:      getEnvWithDefault("MODEL", DefaultModel),
		Providers:  splitList(os.Getenv("PROVIDERS")),

		RateLimit:     parseDurationOrDefault("RATE_LIMIT", 5*time.Second),
		OracleTimeout: parseDurationOrDefault("ORACLE_TIMEOUT", 15*time.Second),

		OCREngine:      strings.ToLower(getEnvWithDefault("OCR_ENGINE", OCREngineTesseract)),
		OCRLanguages:   splitList(getEnvWithDefault("OCR_LANGUAGES", "eng")),
		OCRDeadlineSec: parseIntOrDefault("OCR_DEADLINE_SEC", 20),
		VisionModel:    os.Getenv("VISION_MODEL"),

		DebugSaveImages: strings.ToLower(os.Getenv("OCR_DEBUG_SAVE_IMAGES")) == "true",

		CaptureInterval: parseDurationOrDefault("CAPTURE_INTERVAL", time.Second),
		CaptureDisplay:  parseIntOrDefault("CAPTURE_DISPLAY", 0),
		CaptureToken:    os.Getenv("CAPTURE_TOKEN"),
		CaptureRegion:   region,

		Mode:        resolveModeValue(opts),
		OptionCount: parseIntOrDefault("OPTION_COUNT", 4),
		Layout: Layout{
			StartYPercentage:  parseFloatOrDefault("START_Y_PERCENTAGE", 0.6),
			YOffsetPercentage: parseFloatOrDefault("Y_OFFSET_PERCENTAGE", 0.1),
			XOffset:           parseFloatOrDefault("X_OFFSET", 0),
			YOffset:           parseFloatOrDefault("Y_OFFSET", 0),
		},
		LayoutFile:         os.Getenv("LAYOUT_FILE"),
		DuplicateThreshold: parseFloatOrDefault("DUPLICATE_THRESHOLD", 0.9),

		Hotkey:      getEnvWithDefault("HOTKEY", "Ctrl+Alt+Q"),
		ControlAddr: resolveControlAddr(os.Getenv("CONTROL_ADDR")),

		EnableFileLogging: strings.ToLower(os.Getenv("ENABLE_FILE_LOGGING")) == "true",
		LogLevel:          getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat:         getEnvWithDefault("LOG_FORMAT", "text"),
	}

	if cfg.LayoutFile != "" {
		if err := cfg.applyLayoutFile(cfg.LayoutFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot work with.
func (c *Config) Validate() error {
	if c.OptionCount < 1 || c.OptionCount > 9 {
		return fmt.Errorf("OPTION_COUNT must be between 1 and 9 (got %d)", c.OptionCount)
	}
	if c.Layout.StartYPercentage < 0 || c.Layout.StartYPercentage > 1 {
		return fmt.Errorf("START_Y_PERCENTAGE must be within [0,1] (got %v)", c.Layout.StartYPercentage)
	}
	if c.Layout.YOffsetPercentage < 0 || c.Layout.YOffsetPercentage > 1 {
		return fmt.Errorf("Y_OFFSET_PERCENTAGE must be within [0,1] (got %v)", c.Layout.YOffsetPercentage)
	}
	if c.RateLimit <= 0 || c.OracleTimeout <= 0 || c.CaptureInterval <= 0 {
		return fmt.Errorf("durations must be > 0 (got rate_limit=%s, oracle_timeout=%s, capture_interval=%s)",
			c.RateLimit, c.OracleTimeout, c.CaptureInterval)
	}
	if c.OCRDeadlineSec <= 0 {
		return fmt.Errorf("OCR_DEADLINE_SEC must be > 0 (got %d)", c.OCRDeadlineSec)
	}
	switch c.OCREngine {
	case OCREngineTesseract, OCREngineVision:
	default:
		return fmt.Errorf("unknown OCR_ENGINE %q", c.OCREngine)
	}
	if c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1 {
		return fmt.Errorf("DUPLICATE_THRESHOLD must be within (0,1] (got %v)", c.DuplicateThreshold)
	}
	return nil
}

// OCRDeadline is OCRDeadlineSec as a duration.
func (c *Config) OCRDeadline() time.Duration {
	return time.Duration(c.OCRDeadlineSec) * time.Second
}

// layoutFile mirrors Layout with optional fields so a profile may override a subset.
type layoutFile struct {
	StartYPercentage  *float64 `yaml:"start_y_percentage"`
	YOffsetPercentage *float64 `yaml:"y_offset_percentage"`
	XOffset           *float64 `yaml:"x_offset"`
	YOffset           *float64 `yaml:"y_offset"`
	OptionCount       *int     `yaml:"option_count"`
}

func (c *Config) applyLayoutFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read layout file %s: %w", path, err)
	}
	var lf layoutFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return fmt.Errorf("failed to parse layout file %s: %w", path, err)
	}
	if lf.StartYPercentage != nil {
		c.Layout.StartYPercentage = *lf.StartYPercentage
	}
	if lf.YOffsetPercentage != nil {
		c.Layout.YOffsetPercentage = *lf.YOffsetPercentage
	}
	if lf.XOffset != nil {
		c.Layout.XOffset = *lf.XOffset
	}
	if lf.YOffset != nil {
		c.Layout.YOffset = *lf.YOffset
	}
	if lf.OptionCount != nil {
		c.OptionCount = *lf.OptionCount
	}
	return nil
}

func resolveEnvPath() string {
	execPath, err := os.Executable()
	if err == nil {
		exeEnv := filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(exeEnv); err == nil {
			return exeEnv
		}
	}

	if alt := os.Getenv(EnvFileEnvVar); alt != "" {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}

	return ""
}

func readDotenvValues(envPath string) map[string]string {
	if envPath == "" {
		return map[string]string{}
	}

	values, err := godotenv.Read(envPath)
	if err != nil {
		return map[string]string{}
	}

	return values
}

func resolveAPIKeyPath(opts LoadOptions, dotenvValues map[string]string) string {
	keyPath := DefaultAPIKeyPath

	if envPath := strings.TrimSpace(os.Getenv(APIKeyPathEnvVar)); envPath != "" {
		keyPath = envPath
	}

	if dotenvPath := strings.TrimSpace(dotenvValues[APIKeyPathEnvVar]); dotenvPath != "" {
		keyPath = dotenvPath
	}

	if overridePath := strings.TrimSpace(opts.APIKeyPathOverride); overridePath != "" {
		keyPath = overridePath
	}

	return keyPath
}

func resolveAPIKey(keyPath string) string {
	if data, err := os.ReadFile(keyPath); err == nil {
		if fileKey := strings.TrimSpace(string(data)); fileKey != "" {
			return fileKey
		}
	}

	return os.Getenv("ORACLE_API_KEY")
}

func resolveMode(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "continuous", "stream", "streaming":
		return ModeContinuous
	default:
		return ModeOneShot
	}
}

func resolveModeValue(opts LoadOptions) string {
	if override := strings.TrimSpace(opts.ModeOverride); override != "" {
		return resolveMode(override)
	}
	return resolveMode(os.Getenv("MODE"))
}

func resolveControlAddr(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return DefaultControlAddr
	case "off", "none", "disabled":
		return ""
	default:
		return strings.TrimSpace(value)
	}
}

// parseRegion reads "x,y,width,height". Empty means no region.
func parseRegion(value string) (*Region, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("CAPTURE_REGION must be x,y,width,height (got %q)", value)
	}
	var v [4]int
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("CAPTURE_REGION must be x,y,width,height (got %q)", value)
		}
		v[i] = n
	}
	if v[2] <= 0 || v[3] <= 0 {
		return nil, fmt.Errorf("CAPTURE_REGION width and height must be > 0 (got %q)", value)
	}
	return &Region{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func parseFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}
