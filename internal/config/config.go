// Package config loads the controller's tunables from environment
// variables (with an optional .env file, in the teacher's lake/api/main.go
// style), mirroring the upstream Rust reference's Config::new() reading
// env::var(...) directly rather than a structured file format.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/Lochnair/sqm-autorate/internal/probe"
)

// Config holds every tunable from spec.md §6's key table.
type Config struct {
	DownloadInterface string
	UploadInterface   string

	DownloadBaseKbits float64
	UploadBaseKbits   float64
	DownloadMinKbits  float64
	UploadMinKbits    float64

	ReflectorListFile string
	MeasurementType   probe.MeasurementType

	NumReflectors int

	TickInterval      time.Duration
	MinChangeInterval time.Duration

	DownloadDelayMs float64
	UploadDelayMs   float64

	HighLoadLevel float64
	SpeedHistSize int

	StatsFile          string
	SpeedHistFile      string
	SuppressStatistics bool

	LogLevel string
}

// Load reads an optional .env file (missing file is not an error) then the
// process environment, and validates all required keys. Missing required
// keys or malformed numbers are fatal per spec.md §7's "startup /
// configuration errors" taxonomy.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: reading .env: %w", err)
	}

	var errs []error
	req := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			errs = append(errs, fmt.Errorf("missing required env var %s", key))
		}
		return v
	}
	reqFloat := func(key string) float64 {
		v, err := strconv.ParseFloat(req(key), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("env var %s: %w", key, err))
		}
		return v
	}
	optFloat := func(key string, def float64) float64 {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("env var %s: %w", key, err))
			return def
		}
		return f
	}
	optInt := func(key string, def int) int {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("env var %s: %w", key, err))
			return def
		}
		return n
	}
	optStr := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	optBool := func(key string, def bool) bool {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("env var %s: %w", key, err))
			return def
		}
		return b
	}
	optDurationSeconds := func(key string, def time.Duration) time.Duration {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("env var %s: %w", key, err))
			return def
		}
		return time.Duration(f * float64(time.Second))
	}

	cfg := Config{
		DownloadInterface: req("DOWNLOAD_INTERFACE"),
		UploadInterface:   req("UPLOAD_INTERFACE"),

		DownloadBaseKbits: reqFloat("DOWNLOAD_BASE_KBITS"),
		UploadBaseKbits:   reqFloat("UPLOAD_BASE_KBITS"),
		DownloadMinKbits:  reqFloat("DOWNLOAD_MIN_KBITS"),
		UploadMinKbits:    reqFloat("UPLOAD_MIN_KBITS"),

		ReflectorListFile: req("REFLECTOR_LIST_FILE"),

		NumReflectors: optInt("NUM_REFLECTORS", 5),

		TickInterval:      optDurationSeconds("TICK_INTERVAL", 500*time.Millisecond),
		MinChangeInterval: optDurationSeconds("MIN_CHANGE_INTERVAL", 500*time.Millisecond),

		DownloadDelayMs: optFloat("DOWNLOAD_DELAY_MS", 15),
		UploadDelayMs:   optFloat("UPLOAD_DELAY_MS", 15),

		HighLoadLevel: optFloat("HIGH_LOAD_LEVEL", 0.8),
		SpeedHistSize: optInt("SPEED_HIST_SIZE", 100),

		StatsFile:          optStr("STATS_FILE", "/tmp/sqm-autorate-stats.csv"),
		SpeedHistFile:      optStr("SPEED_HIST_FILE", "/tmp/sqm-autorate-speed-history.csv"),
		SuppressStatistics: optBool("SUPPRESS_STATISTICS", false),

		LogLevel: optStr("LOG_LEVEL", "info"),
	}

	measurementStr := optStr("MEASUREMENT_TYPE", "icmp-timestamps")
	mt, err := probe.ParseMeasurementType(measurementStr)
	if err != nil {
		errs = append(errs, fmt.Errorf("env var MEASUREMENT_TYPE: %w", err))
	}
	cfg.MeasurementType = mt

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %d error(s): %w", len(errs), joinErrs(errs))
	}
	return cfg, nil
}

func joinErrs(errs []error) error {
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
