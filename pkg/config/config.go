package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// CaptureTimeout bounds how long one dispatch call blocks waiting for
	// a raw buffer from a live source.
	CaptureTimeout time.Duration `mapstructure:"captureTimeout"`
	// MaxThreadTableSize caps the thread table; reaching it yields a
	// capacity condition, never an eviction.
	MaxThreadTableSize int `mapstructure:"maxThreadTableSize"`
	// ThreadTimeout is the idle threshold past which a thread entry is
	// eligible for eviction.
	ThreadTimeout time.Duration `mapstructure:"threadTimeout"`
	// InactiveThreadScanPeriod spaces the eviction sweeps; steady-state
	// dispatch never pays eviction cost per event.
	InactiveThreadScanPeriod time.Duration `mapstructure:"inactiveThreadScanPeriod"`
	// ImmediateExitReclaim removes exited threads as soon as their exit
	// event is processed instead of on the next dispatch call.
	ImmediateExitReclaim bool `mapstructure:"immediateExitReclaim"`

	Snaplen         uint32 `mapstructure:"snaplen"`
	MaxEvtOutputLen int    `mapstructure:"maxEvtOutputLen"`
	DebugMode       bool   `mapstructure:"debugMode"`

	// ImportUsers loads the host user and group tables on open.
	ImportUsers bool `mapstructure:"importUsers"`
	// ScanProcsOnOpen imports the host process table before a live
	// capture starts.
	ScanProcsOnOpen bool `mapstructure:"scanProcsOnOpen"`
	// QueryBackendOnMiss lets the parser synthesize entries for unknown
	// tids from the host process table (live captures only).
	QueryBackendOnMiss bool `mapstructure:"queryBackendOnMiss"`

	EnablePrometheusExporter bool `mapstructure:"prometheusExporterEnabled"`
	// EnableInternalTiming feeds per-event parser/filter timing counters,
	// for profiling.
	EnableInternalTiming bool `mapstructure:"internalTimingEnabled"`

	// DumpPath, when set, persists filter-matching events to a trace file.
	DumpPath string `mapstructure:"dumpPath"`
}

// Default returns the configuration used when no config file is present.
func Default() Config {
	return Config{
		CaptureTimeout:           30 * time.Millisecond,
		MaxThreadTableSize:       32768,
		ThreadTimeout:            30 * time.Minute,
		InactiveThreadScanPeriod: 10 * time.Minute,
		Snaplen:                  80,
		MaxEvtOutputLen:          256,
		ImportUsers:              true,
		ScanProcsOnOpen:          true,
		QueryBackendOnMiss:       true,
	}
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("captureTimeout", 30*time.Millisecond)
	viper.SetDefault("maxThreadTableSize", 32768)
	viper.SetDefault("threadTimeout", 30*time.Minute)
	viper.SetDefault("inactiveThreadScanPeriod", 10*time.Minute)
	viper.SetDefault("snaplen", 80)
	viper.SetDefault("maxEvtOutputLen", 256)
	viper.SetDefault("importUsers", true)
	viper.SetDefault("scanProcsOnOpen", true)
	viper.SetDefault("queryBackendOnMiss", true)

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		return Config{}, err
	}

	var config Config
	err = viper.Unmarshal(&config)
	return config, err
}
