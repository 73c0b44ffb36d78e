// Package config handles loading and storing engine configuration.
package config

import (
	"context"
	"errors"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all engine configuration values.
type Config struct {
	TickRate              int     `mapstructure:"TickRate"`
	MaxChunkBytes         int     `mapstructure:"MaxChunkBytes"`
	MaxPayloadBytes       int     `mapstructure:"MaxPayloadBytes"`
	CommandBurst          int     `mapstructure:"CommandBurst"`
	CommandSustainPerSec  float64 `mapstructure:"CommandSustainPerSec"`
	HeartbeatIntervalMs   int     `mapstructure:"HeartbeatIntervalMs"`
	HandshakeTimeoutMs    int     `mapstructure:"HandshakeTimeoutMs"`
	SlowSystemThresholdMs int     `mapstructure:"SlowSystemThresholdMs"`
	SchedulerWorkers      int     `mapstructure:"SchedulerWorkers"`
	TelemetryDepth        int     `mapstructure:"TelemetryDepth"`
	ReceiveBudget         int     `mapstructure:"ReceiveBudget"`
}

// C is the global configuration instance.
var C Config

// mu protects concurrent access to C during hot-reload.
var mu sync.RWMutex

// watcherMu protects the watcher state
var (
	watcherMu       sync.Mutex
	watcherActive   bool
	watcherCtx      context.Context
	watcherCancel   context.CancelFunc
	currentCallback ReloadCallback
)

// ReloadCallback is called when the configuration is hot-reloaded.
type ReloadCallback func(old, new Config)

// Load reads the TOML config file over the built-in defaults, populating C.
// Environment variables are not consulted.
func Load() error {
	viper.SetConfigName("config")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.theta")

	viper.SetDefault("TickRate", 72)
	viper.SetDefault("MaxChunkBytes", 16384)
	viper.SetDefault("MaxPayloadBytes", 65536)
	viper.SetDefault("CommandBurst", 100)
	viper.SetDefault("CommandSustainPerSec", 10.0)
	viper.SetDefault("HeartbeatIntervalMs", 500)
	viper.SetDefault("HandshakeTimeoutMs", 5000)
	viper.SetDefault("SlowSystemThresholdMs", 4)
	viper.SetDefault("SchedulerWorkers", 0)
	viper.SetDefault("TelemetryDepth", 300)
	viper.SetDefault("ReceiveBudget", 64)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	return viper.Unmarshal(&C)
}

// Save writes the current configuration to file.
func Save() error {
	mu.RLock()
	defer mu.RUnlock()

	viper.Set("TickRate", C.TickRate)
	viper.Set("MaxChunkBytes", C.MaxChunkBytes)
	viper.Set("MaxPayloadBytes", C.MaxPayloadBytes)
	viper.Set("CommandBurst", C.CommandBurst)
	viper.Set("CommandSustainPerSec", C.CommandSustainPerSec)
	viper.Set("HeartbeatIntervalMs", C.HeartbeatIntervalMs)
	viper.Set("HandshakeTimeoutMs", C.HandshakeTimeoutMs)
	viper.Set("SlowSystemThresholdMs", C.SlowSystemThresholdMs)
	viper.Set("SchedulerWorkers", C.SchedulerWorkers)
	viper.Set("TelemetryDepth", C.TelemetryDepth)
	viper.Set("ReceiveBudget", C.ReceiveBudget)

	return viper.WriteConfig()
}

// Watch starts watching the config file for changes and calls the callback on reload.
// Returns a stop function to cancel watching.
// Only one watcher can be active at a time. Calling Watch when a watcher is active
// will replace the callback but keep the same underlying file watcher (to avoid
// viper race conditions).
func Watch(callback ReloadCallback) (stop func(), err error) {
	watcherMu.Lock()
	defer watcherMu.Unlock()

	// If no watcher is active, start one
	if !watcherActive {
		ctx, cancel := context.WithCancel(context.Background())
		watcherCtx = ctx
		watcherCancel = cancel
		currentCallback = callback
		watcherActive = true

		// Start viper's file watcher (only once)
		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			watcherMu.Lock()
			cb := currentCallback
			ctx := watcherCtx
			watcherMu.Unlock()

			// Check if watcher has been stopped
			if ctx != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}

			mu.Lock()
			old := C
			var newCfg Config
			if err := viper.Unmarshal(&newCfg); err == nil {
				C = newCfg
				mu.Unlock()
				if cb != nil {
					cb(old, newCfg)
				}
			} else {
				mu.Unlock()
			}
		})
	} else {
		// Watcher already active, just replace the callback
		currentCallback = callback
	}

	return func() {
		watcherMu.Lock()
		defer watcherMu.Unlock()
		if watcherCancel != nil {
			watcherCancel()
			watcherCancel = nil
			watcherCtx = nil
		}
		watcherActive = false
		currentCallback = nil
	}, nil
}

// Get returns a copy of the current config safely.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return C
}

// Set updates the config safely.
func Set(cfg Config) {
	mu.Lock()
	C = cfg
	mu.Unlock()
}
