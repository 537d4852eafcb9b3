package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteMethod — полный gRPC-метод удаленного коннектора.
// Запрос и ответ — google.protobuf.Struct, поэтому сгенерированный клиент не нужен.
const ExecuteMethod = "/connector.v1.ConnectorService/Execute"

// ConnectorTarget — удаленный коннектор (тикетинг, календарь, внутренние API).
type ConnectorTarget struct {
	cfg     infra.TargetConfig
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func NewConnectorTarget(cfg infra.TargetConfig, conn grpc.ClientConnInterface) *ConnectorTarget {
	return &ConnectorTarget{cfg: cfg, conn: conn, timeout: 15 * time.Second}
}

func (t *ConnectorTarget) ID() string   { return t.cfg.ID }
func (t *ConnectorTarget) Type() string { return TypeConnector }
func (t *ConnectorTarget) Name() string { return t.cfg.Name }

func (t *ConnectorTarget) Execute(ctx context.Context, command string) (string, error) {
	// 1. Запрос: {target_id, command}
	req, err := structpb.NewStruct(map[string]interface{}{
		"target_id": t.cfg.ID,
		"command":   command,
	})
	if err != nil {
		return "", fmt.Errorf("connector: build request: %w", err)
	}

	// 2. Собственный предел на вызов, даже если у вызывающего таймаут больше
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "source", "spaceai-fleet")

	// 3. Вызов
	resp := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, ExecuteMethod, req, resp); err != nil {
		return "", classify(err)
	}

	// 4. Ошибка внутри ответа
	fields := resp.AsMap()
	if code, ok := fields["status_code"].(float64); ok && code != 0 {
		return "", fmt.Errorf("connector returned error [%d]: %v", int(code), fields["error_message"])
	}

	if out, ok := fields["output"].(string); ok {
		return out, nil
	}
	raw, err := json.Marshal(fields["result"])
	if err != nil {
		return "", fmt.Errorf("connector: marshal result: %w", err)
	}
	return string(raw), nil
}

// classify переводит gRPC-статусы в ошибки, понятные ReliabilityWrapper.
func classify(err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.ResourceExhausted:
		return &ThrottleError{RetryAfter: time.Second, Cause: err}
	case codes.Unavailable:
		return fmt.Errorf("connector call failed: %v: %w", err, ErrTransient)
	default:
		return fmt.Errorf("connector call failed: %w", err)
	}
}
