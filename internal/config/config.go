package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the operational tunables. Process-level knobs (bind
// address, DB path) stay on flags in main; everything here comes from the
// environment, with a .env file honored when present.
type Config struct {
	ScanInterval     time.Duration
	RecoveryInterval time.Duration
	StuckThreshold   time.Duration
	MaxAttempts      int
	BatchSize        int
	Backoff          []time.Duration
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{}
	var err error

	if cfg.ScanInterval, err = getSeconds("SCAN_INTERVAL_SECONDS", 10); err != nil {
		return Config{}, err
	}
	if cfg.RecoveryInterval, err = getSeconds("RECOVERY_INTERVAL_SECONDS", 60); err != nil {
		return Config{}, err
	}
	if cfg.StuckThreshold, err = getSeconds("STUCK_THRESHOLD_SECONDS", 300); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = getInt("MAX_ATTEMPTS", 4); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = getInt("BATCH_SIZE", 25); err != nil {
		return Config{}, err
	}
	if cfg.Backoff, err = getBackoff("BACKOFF_MINUTES", []time.Duration{
		1 * time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute,
	}); err != nil {
		return Config{}, err
	}

	if cfg.StuckThreshold <= 0 || cfg.ScanInterval <= 0 || cfg.RecoveryInterval <= 0 {
		return Config{}, fmt.Errorf("intervals and thresholds must be positive")
	}
	return cfg, nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func getInt(key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getSeconds(key string, def int) (time.Duration, error) {
	n, err := getInt(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func getBackoff(key string, def []time.Duration) ([]time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	var table []time.Duration
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mins, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		table = append(table, time.Duration(mins)*time.Minute)
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("%s: empty backoff table", key)
	}
	return table, nil
}
