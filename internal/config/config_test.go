package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.AdapterDevice == "" {
		t.Errorf("expected a default adapter device")
	}
	if c.StorePath != "./tsengine.db" {
		t.Errorf("StorePath = %q, want default", c.StorePath)
	}
	if c.UDPPacketsPerDatagram != 7 {
		t.Errorf("UDPPacketsPerDatagram = %d, want 7", c.UDPPacketsPerDatagram)
	}
	if !c.ScanFromNetwork {
		t.Errorf("ScanFromNetwork should default true")
	}
	if c.RetuneLockTimeout != 30*time.Second {
		t.Errorf("RetuneLockTimeout = %v, want 30s", c.RetuneLockTimeout)
	}
	if c.MetricsAddr == "" || c.ControlAddr == "" {
		t.Errorf("expected non-empty default HTTP addrs")
	}
	if c.SICaptureEnabled {
		t.Errorf("SICaptureEnabled should default false")
	}
}

func TestLoad_overridesFromEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("TSENGINE_ADAPTER_DEVICE", "/dev/dvb/adapter1/frontend0")
	os.Setenv("TSENGINE_STORE_PATH", "/var/lib/tsengine/state.db")
	os.Setenv("TSENGINE_AVS_ONLY", "true")
	os.Setenv("TSENGINE_UDP_ADDRESS", "239.1.1.1:5000")
	os.Setenv("TSENGINE_UDP_TTL", "32")
	os.Setenv("TSENGINE_SCAN_FROM_NETWORK", "false")
	os.Setenv("TSENGINE_METRICS_ADDR", ":9999")
	os.Setenv("TSENGINE_SICAPTURE_ENABLED", "yes")

	c := Load()
	if c.AdapterDevice != "/dev/dvb/adapter1/frontend0" {
		t.Errorf("AdapterDevice = %q", c.AdapterDevice)
	}
	if c.StorePath != "/var/lib/tsengine/state.db" {
		t.Errorf("StorePath = %q", c.StorePath)
	}
	if !c.AVSOnly {
		t.Errorf("AVSOnly should be true")
	}
	if c.UDPAddress != "239.1.1.1:5000" {
		t.Errorf("UDPAddress = %q", c.UDPAddress)
	}
	if c.UDPTTL != 32 {
		t.Errorf("UDPTTL = %d, want 32", c.UDPTTL)
	}
	if c.ScanFromNetwork {
		t.Errorf("ScanFromNetwork should be false")
	}
	if c.MetricsAddr != ":9999" {
		t.Errorf("MetricsAddr = %q", c.MetricsAddr)
	}
	if !c.SICaptureEnabled {
		t.Errorf("SICaptureEnabled should be true")
	}
}

func TestLoad_invalidIntFallsBackToDefault(t *testing.T) {
	os.Clearenv()
	os.Setenv("TSENGINE_UDP_PACKETS_PER_DATAGRAM", "not-a-number")
	c := Load()
	if c.UDPPacketsPerDatagram != 7 {
		t.Errorf("UDPPacketsPerDatagram = %d, want default 7 on parse failure", c.UDPPacketsPerDatagram)
	}
}

func TestLoad_zeroTimeoutClampsToDefault(t *testing.T) {
	os.Clearenv()
	os.Setenv("TSENGINE_RETUNE_LOCK_TIMEOUT", "0s")
	c := Load()
	if c.RetuneLockTimeout != 30*time.Second {
		t.Errorf("RetuneLockTimeout = %v, want clamped default 30s", c.RetuneLockTimeout)
	}
}

func TestLoad_scanTimeouts(t *testing.T) {
	os.Clearenv()
	os.Setenv("TSENGINE_SCAN_TABLES_TIMEOUT", "20s")
	os.Setenv("TSENGINE_SCAN_NIT_TIMEOUT", "7s")
	os.Setenv("TSENGINE_SCAN_TUNE_INTERVAL", "1s")
	c := Load()
	if c.ScanTablesTimeout != 20*time.Second {
		t.Errorf("ScanTablesTimeout = %v", c.ScanTablesTimeout)
	}
	if c.ScanNITTimeout != 7*time.Second {
		t.Errorf("ScanNITTimeout = %v", c.ScanNITTimeout)
	}
	if c.ScanTuneInterval != time.Second {
		t.Errorf("ScanTuneInterval = %v", c.ScanTuneInterval)
	}
}

func TestLoad_logging(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.LogLevel != "info" {
		t.Errorf("LogLevel default: got %q", c.LogLevel)
	}
	if c.LogJSON {
		t.Errorf("LogJSON should default false")
	}
	os.Setenv("TSENGINE_LOG_LEVEL", "DEBUG")
	os.Setenv("TSENGINE_LOG_JSON", "1")
	c = Load()
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel should be lowercased: got %q", c.LogLevel)
	}
	if !c.LogJSON {
		t.Errorf("LogJSON should be true")
	}
}
