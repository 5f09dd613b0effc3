package config

import "sync/atomic"

var current atomic.Value

// Init seeds the process-wide config with defaults overlaid by fn, and must
// be called once before Load is used.
func Init(fn func(*Config)) Config {
	cfg := defaultConfig()
	if fn != nil {
		fn(&cfg)
	}
	current.Store(cfg)
	return cfg
}

// Load returns the current config. Panics if Init was never called, the same
// contract the teacher's global accessor used.
func Load() Config {
	return current.Load().(Config)
}

// Update applies fn to a copy of the current config and stores the result,
// returning the new value.
func Update(fn func(*Config)) Config {
	cfg := Load()
	fn(&cfg)
	current.Store(cfg)
	return cfg
}

// Swap replaces the current config wholesale.
func Swap(cfg Config) {
	current.Store(cfg)
}
