// Package forwarder ships pipeline envelopes to a gRPC collector.
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"fleet-tracker/internal/pipeline"
)

const DefaultTimeout = 5 * time.Second

var ErrRejected = errors.New("forwarder: collector rejected payload")

type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewGRPCClient creates a lazily connecting client for addr. Extra dial
// options are appended after the insecure transport credentials.
func NewGRPCClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCClient, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, timeout: timeout}, nil
}

func (g *GRPCClient) Close() error {
	return g.conn.Close()
}

func (g *GRPCClient) Name() string { return "grpc" }

func (g *GRPCClient) Write(ctx context.Context, env pipeline.Envelope) error {
	payload, err := toStruct(env)
	if err != nil {
		return err
	}
	return g.SendData(ctx, env.DeviceID, payload)
}

func (g *GRPCClient) SendData(ctx context.Context, deviceID string, payload *structpb.Struct) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"deviceId": structpb.NewStringValue(deviceID),
		"payload":  structpb.NewStructValue(payload),
	}}
	res := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, sendDataMethod, req, res); err != nil {
		return fmt.Errorf("forward %s: %w", deviceID, err)
	}
	if !res.GetFields()["success"].GetBoolValue() {
		return fmt.Errorf("%w: device %s", ErrRejected, deviceID)
	}
	return nil
}

func toStruct(env pipeline.Envelope) (*structpb.Struct, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("envelope to struct: %w", err)
	}
	return s, nil
}
