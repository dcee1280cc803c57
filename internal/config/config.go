package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the service reads from the environment:
// connection strings, the server timezone, and the tracking thresholds.
type Config struct {
	Port string
	Env  string

	DatabaseDSN string
	RedisAddr   string // empty disables the cache

	Timezone string

	// Tracking thresholds. Defaults match the agent fleet's contract.
	IdleThreshold    time.Duration // no input this long => IDLE
	AutoCheckoutGap  time.Duration // no input this long => checked out
	MaxBreak         time.Duration // open break capped here
	MaxIdle          time.Duration // contiguous IDLE capped here
	EndOfDayStale    time.Duration // last sample older than this at 23:59 => tail billed IDLE
	GapCheckoutSlack time.Duration // silence checkout lands this long after the last heartbeat
	CacheTTL         time.Duration
}

// Load reads the configuration from the environment, consulting .env
// first in development.
func Load() *Config {
	godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "3000"),
		Env:         getEnv("ENV", "development"),
		DatabaseDSN: getEnv("DATABASE_DSN", "host=localhost user=worktrack password=worktrack dbname=worktrack port=5432 sslmode=disable"),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		Timezone:    getEnv("TIMEZONE", "UTC"),

		IdleThreshold:    getDuration("IDLE_THRESHOLD", 5*time.Minute),
		AutoCheckoutGap:  getDuration("AUTO_CHECKOUT_GAP", 60*time.Minute),
		MaxBreak:         getDuration("MAX_BREAK", 2*time.Hour),
		MaxIdle:          getDuration("MAX_IDLE", 30*time.Minute),
		EndOfDayStale:    getDuration("END_OF_DAY_STALE", 15*time.Minute),
		GapCheckoutSlack: getDuration("GAP_CHECKOUT_SLACK", 5*time.Minute),
		CacheTTL:         getDuration("CACHE_TTL", 24*time.Hour),
	}
}

// Location resolves the configured server timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare numbers are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
