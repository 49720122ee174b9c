package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/invoicesearchjp/invoicesearch/internal/upstream"
)

// Config holds the process configuration, read from the environment.
type Config struct {
	DataDir     string
	BaseURL     string
	Timeout     time.Duration
	Retries     int
	FileIDs     []string
	LogLevel    string
	MetricsFile string
}

// DBPath is the dataset file inside the data directory.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "invoice.db")
}

func loadConfig() (Config, error) {
	cfg := Config{
		DataDir:     os.Getenv("INVOICESEARCH_DATA"),
		BaseURL:     os.Getenv("INVOICESEARCH_BASE_URL"),
		Timeout:     120 * time.Second,
		Retries:     3,
		LogLevel:    os.Getenv("INVOICESEARCH_LOG_LEVEL"),
		MetricsFile: os.Getenv("INVOICESEARCH_METRICS_FILE"),
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("cannot determine home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".local", "share", "invoice_search_jp")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = upstream.DefaultBaseURL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if v := os.Getenv("INVOICESEARCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("INVOICESEARCH_TIMEOUT: invalid duration %q", v)
		}
		cfg.Timeout = d
	}
	if v := os.Getenv("INVOICESEARCH_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("INVOICESEARCH_RETRIES: invalid count %q", v)
		}
		cfg.Retries = n
	}
	if v := os.Getenv("INVOICESEARCH_FILE_IDS"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.FileIDs = append(cfg.FileIDs, id)
			}
		}
	}
	return cfg, nil
}
