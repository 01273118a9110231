package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)

	assert.Equal(t, Config{
		CaptureTimeout:           50 * time.Millisecond,
		MaxThreadTableSize:       4096,
		ThreadTimeout:            10 * time.Minute,
		InactiveThreadScanPeriod: 2 * time.Minute,
		ImmediateExitReclaim:     true,
		Snaplen:                  128,
		MaxEvtOutputLen:          512,
		DebugMode:                true,
		ImportUsers:              false,
		ScanProcsOnOpen:          false,
		QueryBackendOnMiss:       false,
		EnablePrometheusExporter: true,
		EnableInternalTiming:     true,
		DumpPath:                 "/var/log/sysight/dump.jsonl",
	}, cfg)
}

func TestLoadConfigMissingDir(t *testing.T) {
	_, err := LoadConfig("testdata/nonexistent")
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Millisecond, cfg.CaptureTimeout)
	assert.Equal(t, 32768, cfg.MaxThreadTableSize)
	assert.True(t, cfg.ScanProcsOnOpen)
	assert.True(t, cfg.QueryBackendOnMiss)
	assert.Empty(t, cfg.DumpPath)
}
