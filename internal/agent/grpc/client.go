// Package grpc implements agent.Runtime against the Cognitive Orchestrator
// gRPC service. The service's .proto contract is owned by that separate
// repository, so rather than vendoring stale generated code this client
// speaks to it generically: requests and responses are exchanged as
// google.protobuf.Struct messages (a real, already-generated proto.Message
// from google.golang.org/protobuf) over a hand-opened client stream, keyed
// by the RPC's fully-qualified method name. This keeps the dependency on
// grpc and protobuf genuine while not requiring this repository to check in
// someone else's generated stubs.
package grpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/northbay-labs/callpilot/internal/agent"
	"github.com/northbay-labs/callpilot/internal/config"
	"github.com/northbay-labs/callpilot/internal/observability"
	"github.com/northbay-labs/callpilot/internal/resilience"
)

const (
	processTextMethod = "/orchestrator.CognitiveOrchestrator/ProcessText"
	healthCheckMethod  = "/orchestrator.CognitiveOrchestrator/HealthCheck"
)

var processTextStreamDesc = &grpclib.StreamDesc{
	StreamName:    "ProcessText",
	ServerStreams: true,
}

// Client implements agent.Runtime against the Cognitive Orchestrator.
type Client struct {
	cfg            *config.Config
	mu             sync.RWMutex
	conn           *grpclib.ClientConn
	isConnected    bool
	circuitBreaker *resilience.CircuitBreaker
}

// NewClient dials the Cognitive Orchestrator and returns a ready Client.
func NewClient(cfg *config.Config) (*Client, error) {
	c := &Client{
		cfg: cfg,
		circuitBreaker: resilience.NewCircuitBreaker(
			"agent_grpc",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to orchestrator: %w", err)
	}
	return c, nil
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isConnected && c.conn != nil {
		return nil
	}

	var opts []grpclib.DialOption
	opts = append(opts, grpclib.WithTransportCredentials(insecure.NewCredentials()))
	opts = append(opts, grpclib.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.AgentTimeoutS)*time.Second)
	defer cancel()

	conn, err := grpclib.DialContext(ctx, c.cfg.OrchestratorURL, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial orchestrator at %s: %w", c.cfg.OrchestratorURL, err)
	}

	c.conn = conn
	c.isConnected = true
	return nil
}

// Run implements agent.Runtime.
func (c *Client) Run(ctx context.Context, threadID, text string, callContext map[string]any) (<-chan agent.Response, error) {
	payload := map[string]any{
		"conversation_id": threadID,
		"text":             text,
		"include_rag":      true,
		"tools_enabled":    true,
	}
	if callContext != nil {
		payload["context"] = callContext
	}

	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build request payload: %w", err)
	}

	var stream grpclib.ClientStream
	err = c.circuitBreaker.Call(func() error {
		retryConfig := &resilience.RetryConfig{
			MaxAttempts:       c.cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(c.cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}

		return resilience.Retry(func() error {
			c.mu.RLock()
			connected := c.isConnected
			conn := c.conn
			c.mu.RUnlock()

			if !connected {
				if reconnectErr := c.connect(); reconnectErr != nil {
					return fmt.Errorf("failed to reconnect: %w", reconnectErr)
				}
				c.mu.RLock()
				conn = c.conn
				c.mu.RUnlock()
			}

			s, callErr := conn.NewStream(ctx, processTextStreamDesc, processTextMethod)
			if callErr != nil {
				return callErr
			}
			if callErr := s.SendMsg(req); callErr != nil {
				return callErr
			}
			if callErr := s.CloseSend(); callErr != nil {
				return callErr
			}
			stream = s
			return nil
		}, retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState("agent_grpc", int(c.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("agent_grpc")
		return nil, fmt.Errorf("failed to call ProcessText: %w", err)
	}

	out := make(chan agent.Response, 100)
	go func() {
		defer close(out)
		for {
			resp := &structpb.Struct{}
			if err := stream.RecvMsg(resp); err != nil {
				select {
				case out <- agent.Response{IsDone: true, Err: err}:
				default:
				}
				return
			}

			r := structToResponse(resp)
			select {
			case out <- r:
			default:
			}
			if r.IsDone {
				return
			}
		}
	}()

	return out, nil
}

func structToResponse(s *structpb.Struct) agent.Response {
	fields := s.GetFields()
	r := agent.Response{}

	if v, ok := fields["text_chunk"]; ok {
		r.TextChunk = v.GetStringValue()
	}
	if v, ok := fields["is_done"]; ok {
		r.IsDone = v.GetBoolValue()
	}
	if v, ok := fields["tool_call"]; ok && v.GetStructValue() != nil {
		tf := v.GetStructValue().GetFields()
		r.ToolCall = &agent.ToolCall{
			Name:     tf["tool_name"].GetStringValue(),
			ArgsJSON: tf["parameters_json"].GetStringValue(),
			CallID:   tf["call_id"].GetStringValue(),
		}
	}
	return r
}

// HealthCheck reports whether the orchestrator is reachable.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	c.mu.RLock()
	conn := c.conn
	connected := c.isConnected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return false, fmt.Errorf("orchestrator client is not connected")
	}

	req, _ := structpb.NewStruct(map[string]any{})
	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, healthCheckMethod, req, resp); err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetFields()["healthy"].GetBoolValue(), nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.isConnected = false
		c.conn = nil
		return err
	}
	return nil
}

var _ agent.Runtime = (*Client)(nil)
