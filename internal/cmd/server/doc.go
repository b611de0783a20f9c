// Package serverrun exposes the Run entrypoint the CLI uses to start a flomq
// node: runtime, gRPC health endpoint, lifecycle and shutdown.
//
// Example:
//
//	cfg, _ := config.Load("/etc/flomq.toml")
//	config.FromEnv(&cfg)
//	_ = serverrun.Run(context.Background(), serverrun.Options{Config: cfg})
package serverrun
