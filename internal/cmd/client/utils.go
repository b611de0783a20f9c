package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"unicode/utf8"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// grpcAddrFromEnv returns the gRPC server address from FLOMQ_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("FLOMQ_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:7070"
}

// dialGRPC connects to addr with insecure transport for local/dev use.
func dialGRPC(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// withConn dials addr and closes the connection after fn returns.
func withConn(ctx context.Context, addr string, fn func(context.Context, *grpc.ClientConn) error) error {
	conn, err := dialGRPC(addr)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return fn(ctx, conn)
}

// decodedBody returns the body as payload_json, payload_text or payload_b64.
func decodedBody(body []byte) map[string]any {
	out := map[string]any{}
	if len(body) > 0 && (body[0] == '{' || body[0] == '[') {
		var v any
		if json.Unmarshal(body, &v) == nil {
			out["payload_json"] = v
			return out
		}
	}
	if utf8.Valid(body) {
		out["payload_text"] = string(body)
		return out
	}
	out["payload_b64"] = base64.StdEncoding.EncodeToString(body)
	return out
}
