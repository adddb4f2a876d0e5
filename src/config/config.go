// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Database struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     string
	SSLMode  string
}

// DSN is the lib/pq connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		d.User, d.Password, d.Name, d.Host, d.Port, d.SSLMode)
}

type Container struct {
	Image     string
	MemoryMB  int64
	CPUShares int64
	WorkDir   string
	Network   string
}

type Config struct {
	StoreDriver string
	DB          Database
	APIPort     string

	MaxConcurrentTasks int
	PollingInterval    time.Duration
	NotifyChannel      string
	MaxRuntime         time.Duration // 0 disables the watchdog
	ReaperInterval     time.Duration
	DrainTimeout       time.Duration

	Container Container
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		StoreDriver: getEnv("STORE_DRIVER", StoreDriverPostgres),
		DB: Database{
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     os.Getenv("DB_NAME"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			SSLMode:  getEnv("DB_SSLMODE", "require"),
		},
		APIPort:       getEnv("API_PORT", "8080"),
		NotifyChannel: getEnv("NOTIFY_CHANNEL", "tasks_submitted"),
		Container: Container{
			Image:   getEnv("CONTAINER_IMAGE", "python:3.9-slim"),
			WorkDir: getEnv("CONTAINER_WORKDIR", "/tmp"),
			Network: getEnv("CONTAINER_NETWORK", "algoworker_sandbox"),
		},
	}

	var errs []error
	cfg.MaxConcurrentTasks = getInt("MAX_CONCURRENT_TASKS", 5, &errs)
	cfg.PollingInterval = getDuration("POLLING_INTERVAL", 5*time.Second, &errs)
	cfg.MaxRuntime = getDuration("MAX_RUNTIME", 0, &errs)
	cfg.ReaperInterval = getDuration("REAPER_INTERVAL", time.Minute, &errs)
	cfg.DrainTimeout = getDuration("OUTPUT_DRAIN_TIMEOUT", 5*time.Second, &errs)
	cfg.Container.MemoryMB = int64(getInt("CONTAINER_MEMORY_MB", 512, &errs))
	cfg.Container.CPUShares = int64(getInt("CONTAINER_CPU_SHARES", 512, &errs))
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required for the postgres store"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_TASKS must be at least 1, got %d", c.MaxConcurrentTasks))
	}
	if c.PollingInterval <= 0 {
		errs = append(errs, errors.New("POLLING_INTERVAL must be positive"))
	}
	if c.MaxRuntime < 0 {
		errs = append(errs, errors.New("MAX_RUNTIME must not be negative"))
	}
	if c.Container.MemoryMB <= 0 || c.Container.CPUShares <= 0 {
		errs = append(errs, errors.New("CONTAINER_MEMORY_MB and CONTAINER_CPU_SHARES must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("parsing %s: %w", key, err))
		return fallback
	}
	return n
}

// getDuration accepts Go durations ("90s") or a bare number of seconds.
func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("parsing %s: %w", key, err))
		return fallback
	}
	return d
}
