// Package config loads the engine's runtime settings from the process
// environment, in the teacher's getEnv/getEnvInt/getEnvBool/
// getEnvDuration style, with an optional .env file loaded first via
// LoadEnvFile (env.go, kept as-is from the teacher — its job, reading
// KEY=value lines into the process environment, has no domain content
// to adapt).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting the engine's components need at startup:
// adapter/DVR device paths, the cache's backing store, scan pacing,
// retune behavior, and the metrics/control HTTP surface.
type Config struct {
	// Front end / DVR source
	AdapterDevice string // e.g. /dev/dvb/adapter0/frontend0
	DVRDevice     string // e.g. /dev/dvb/adapter0/dvr0
	ReadTimeout   time.Duration

	// Persistent store (internal/store, modernc.org/sqlite)
	StorePath string

	// Service filter / output
	AVSOnly               bool // PMT rewrite drops everything but first video/audio/subtitle
	UDPAddress            string
	UDPTTL                int
	UDPPacketsPerDatagram int

	// SI capture debug sink (internal/sicapture)
	SICaptureEnabled bool
	SICapturePath    string
	SICaptureQuality int

	// Tuning controller (internal/tuner)
	RetuneLockTimeout       time.Duration
	RetunePollInterval      time.Duration
	RemoveFailedFrequencies bool

	// Scan state machine (internal/scan)
	ScanFromNetwork   bool
	ScanLockTimeout   time.Duration
	ScanTablesTimeout time.Duration
	ScanNITTimeout    time.Duration
	ScanPollInterval  time.Duration
	ScanTuneInterval  time.Duration

	// HTTP surfaces
	MetricsAddr string
	ControlAddr string

	LogLevel string
	LogJSON  bool
}

// Load reads Config from the environment, applying TSENGINE_* defaults.
// Call LoadEnvFile(".env") first to populate the environment from a
// file before calling Load.
func Load() *Config {
	c := &Config{
		AdapterDevice:           getEnv("TSENGINE_ADAPTER_DEVICE", "/dev/dvb/adapter0/frontend0"),
		DVRDevice:               getEnv("TSENGINE_DVR_DEVICE", "/dev/dvb/adapter0/dvr0"),
		ReadTimeout:             getEnvDuration("TSENGINE_READ_TIMEOUT", 500*time.Millisecond),
		StorePath:               getEnv("TSENGINE_STORE_PATH", "./tsengine.db"),
		AVSOnly:                 getEnvBool("TSENGINE_AVS_ONLY", false),
		UDPAddress:              os.Getenv("TSENGINE_UDP_ADDRESS"),
		UDPTTL:                  getEnvInt("TSENGINE_UDP_TTL", 1),
		UDPPacketsPerDatagram:   getEnvInt("TSENGINE_UDP_PACKETS_PER_DATAGRAM", 7),
		SICaptureEnabled:        getEnvBool("TSENGINE_SICAPTURE_ENABLED", false),
		SICapturePath:           getEnv("TSENGINE_SICAPTURE_PATH", "./sicapture.tsi.br"),
		SICaptureQuality:        getEnvInt("TSENGINE_SICAPTURE_QUALITY", 6),
		RetuneLockTimeout:       getEnvDuration("TSENGINE_RETUNE_LOCK_TIMEOUT", 30*time.Second),
		RetunePollInterval:      getEnvDuration("TSENGINE_RETUNE_POLL_INTERVAL", 100*time.Millisecond),
		RemoveFailedFrequencies: getEnvBool("TSENGINE_REMOVE_FAILED_FREQUENCIES", false),
		ScanFromNetwork:         getEnvBool("TSENGINE_SCAN_FROM_NETWORK", true),
		ScanLockTimeout:         getEnvDuration("TSENGINE_SCAN_LOCK_TIMEOUT", 10*time.Second),
		ScanTablesTimeout:       getEnvDuration("TSENGINE_SCAN_TABLES_TIMEOUT", 10*time.Second),
		ScanNITTimeout:          getEnvDuration("TSENGINE_SCAN_NIT_TIMEOUT", 5*time.Second),
		ScanPollInterval:        getEnvDuration("TSENGINE_SCAN_POLL_INTERVAL", 100*time.Millisecond),
		ScanTuneInterval:        getEnvDuration("TSENGINE_SCAN_TUNE_INTERVAL", 250*time.Millisecond),
		MetricsAddr:             getEnv("TSENGINE_METRICS_ADDR", ":9090"),
		ControlAddr:             getEnv("TSENGINE_CONTROL_ADDR", ":9091"),
		LogLevel:                strings.ToLower(getEnv("TSENGINE_LOG_LEVEL", "info")),
		LogJSON:                 getEnvBool("TSENGINE_LOG_JSON", false),
	}
	if c.UDPPacketsPerDatagram <= 0 {
		c.UDPPacketsPerDatagram = 7
	}
	if c.RetuneLockTimeout <= 0 {
		c.RetuneLockTimeout = 30 * time.Second
	}
	if c.ScanLockTimeout <= 0 {
		c.ScanLockTimeout = 10 * time.Second
	}
	return c
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
