package connectors

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteMethod: единый метод удаленных коннекторов. Запрос и ответ передаются как google.protobuf.Struct:
// {operation, params} -> {data, error}
const ExecuteMethod = "/spaceai.connector.v1.KnowledgeBase/Execute"

type GRPCAdapter struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	creds   map[string]string
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера поверх готового соединения
func NewGRPCAdapter(conn *grpc.ClientConn, creds map[string]string) *GRPCAdapter {
	return &GRPCAdapter{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		creds:   creds,
		timeout: 15 * time.Second,
	}
}

func buildGRPC(_ context.Context, _ string, u *url.URL, _ string, creds map[string]string) (Adapter, error) {
	// grpc.NewClient не устанавливает соединение сразу, реальную доступность покажет Ping
	conn, err := grpc.NewClient(u.Host, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc: dial: %w", err)
	}
	return NewGRPCAdapter(conn, creds), nil
}

func (a *GRPCAdapter) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	req, err := structpb.NewStruct(map[string]any{
		"operation": operation,
		"params":    params,
	})
	if err != nil {
		return nil, fmt.Errorf("grpc: failed to create proto struct: %w", err)
	}

	// Даже если ReliabilityWrapper имеет свой таймаут, адаптер должен иметь свой предел
	ctx, cancel := context.WithTimeout(a.outgoing(ctx), a.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, ExecuteMethod, req, resp); err != nil {
		return nil, classify(err)
	}

	out := resp.AsMap()
	if msg, ok := out["error"].(string); ok && msg != "" {
		if msg == "unsupported operation" {
			return nil, fmt.Errorf("%w: %s", ErrOperationNotSupported, operation)
		}
		return nil, fmt.Errorf("grpc: connector returned error: %s", msg)
	}
	return out["data"], nil
}

func (a *GRPCAdapter) Ping(ctx context.Context) error {
	resp, err := a.health.Check(a.outgoing(ctx), &healthpb.HealthCheckRequest{})
	if err != nil {
		return classify(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: health status %s", ErrUnavailable, resp.GetStatus())
	}
	return nil
}

func (a *GRPCAdapter) Close() error {
	return a.conn.Close()
}

// outgoing прокидывает учетные данные KB в metadata вызова (x-kb-<key>)
func (a *GRPCAdapter) outgoing(ctx context.Context) context.Context {
	if len(a.creds) == 0 {
		return ctx
	}
	kv := make([]string, 0, len(a.creds)*2)
	for k, v := range a.creds {
		kv = append(kv, "x-kb-"+k, v)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// classify переводит gRPC-коды в ошибки пакета, чтобы ReliabilityWrapper знал, что повторять
func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	case codes.ResourceExhausted:
		return &ThrottleError{RetryAfter: 500 * time.Millisecond, Cause: err}
	case codes.Unimplemented:
		return fmt.Errorf("%w: %s", ErrOperationNotSupported, st.Message())
	default:
		return fmt.Errorf("grpc: connector call failed: %w", err)
	}
}
