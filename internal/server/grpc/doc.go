// Package grpcserver hosts the node's gRPC endpoint. It serves the standard
// grpc.health.v1 service, reporting NOT_SERVING once the journal has failed.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := grpcserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7070")
package grpcserver
