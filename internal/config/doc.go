// Package config loads flomq configuration. Default() is the baseline, Load
// reads a JSON or TOML file over it and FromEnv overlays FLOMQ_* variables.
//
// Example:
//
//	cfg, err := config.Load("/etc/flomq.toml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	rt, err := runtime.Open(runtime.Options{Config: cfg})
package config
