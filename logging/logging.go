package logging

import (
	log "github.com/sirupsen/logrus"
	"os"
	"strconv"
	"strings"
	"sync"
)

const (
	EnvLogLevel     = "SHOWERLINK_LOG_LEVEL"
	EnvLogJSON      = "SHOWERLINK_LOG_JSON"
	EnvLogTimestamp = "SHOWERLINK_LOG_TIMESTAMP"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

type Config struct {
	Level     log.Level
	JSON      bool
	Timestamp bool
}

var configureOnce sync.Once

func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg, os.Getenv)
		apply(cfg)
	})
}

func defaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: log.DebugLevel}
	default:
		return Config{Level: log.InfoLevel, Timestamp: true}
	}
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if lvl, err := log.ParseLevel(strings.TrimSpace(getenv(EnvLogLevel))); err == nil {
		cfg.Level = lvl
	}
	if v, ok := parseBool(getenv(EnvLogJSON)); ok {
		cfg.JSON = v
	}
	if v, ok := parseBool(getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
}

func apply(cfg Config) {
	log.SetLevel(cfg.Level)
	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{DisableTimestamp: !cfg.Timestamp})
		return
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:    cfg.Timestamp,
		DisableTimestamp: !cfg.Timestamp,
	})
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
