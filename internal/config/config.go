package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Mailer struct {
	BaseURL     string        // e.g. https://api.postmarkapp.com
	SenderEmail string        // From address on every issue
	ServerToken string        // gateway auth token
	Timeout     time.Duration // per-send HTTP timeout
	SendRate    float64       // sends per second (client-side rate limit)
	SendBurst   int           // rate limiter burst
}

type Worker struct {
	ID              string          // worker identity recorded on claimed tasks
	Concurrency     int             // claim loops per process
	MaxAttempts     int             // delivery attempts before a task goes terminal
	BackoffSchedule []time.Duration // retry backoff durations
	JitterPercent   float64         // backoff jitter percentage (0.0-1.0)
	PollInterval    time.Duration   // idle pause between claim attempts
	StaleAfter      time.Duration   // in_progress older than this is reclaimable
	SweepEvery      time.Duration   // stale-claim sweep cadence
	HTTPPort        string          // worker HTTP metrics port
}

type Auth struct {
	PublicKeyPEM string // RSA public key for operator token verification
	Issuer       string
	Audience     string
}

type Config struct {
	AppName  string
	HTTPPort string // :8080
	BaseURL  string // public base URL used in confirmation links
	DB       DB
	Mailer   Mailer
	Worker   Worker
	Auth     Auth
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseBackoffSchedule(schedule string) []time.Duration {
	defaults := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
	if schedule == "" {
		return defaults
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return defaults
	}

	return durations
}

func FromEnv() Config {
	hostname, _ := os.Hostname()
	return Config{
		AppName:  getenv("APP_NAME", "newscourier"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		BaseURL:  getenv("BASE_URL", "http://localhost:8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "newscourier"),
		},
		Mailer: Mailer{
			BaseURL:     getenv("MAILER_BASE_URL", "http://localhost:8084"),
			SenderEmail: getenv("MAILER_SENDER", "newsletter@example.com"),
			ServerToken: getenv("MAILER_SERVER_TOKEN", ""),
			Timeout:     getenvDuration("MAILER_TIMEOUT", 10*time.Second),
			SendRate:    getenvFloat("MAILER_SEND_RATE", 14), // Postmark free tier is ~14 rps
			SendBurst:   getenvInt("MAILER_SEND_BURST", 5),
		},
		Worker: Worker{
			ID:              getenv("WORKER_ID", hostname),
			Concurrency:     getenvInt("WORKER_CONCURRENCY", 4),
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			PollInterval:    getenvDuration("POLL_INTERVAL", 2*time.Second),
			StaleAfter:      getenvDuration("STALE_AFTER", 5*time.Minute),
			SweepEvery:      getenvDuration("SWEEP_EVERY", time.Minute),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("AUTH_PUBLIC_KEY_PEM", ""),
			Issuer:       getenv("AUTH_ISSUER", "newscourier"),
			Audience:     getenv("AUTH_AUDIENCE", "newscourier-api"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
