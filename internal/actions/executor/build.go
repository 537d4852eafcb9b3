package executor

import (
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// BuildRegistry собирает реестр из конфига. Каждая цель обернута в ReliabilityWrapper.
// Возвращаемая функция закрывает gRPC-соединения коннекторов.
func BuildRegistry(cfgs []infra.TargetConfig, runner Runner, metrics *engine.Metrics, logger *zap.Logger) (*Registry, func() error, error) {
	reg := NewRegistry()
	var conns []*grpc.ClientConn
	closeAll := func() error {
		var errs []error
		for _, c := range conns {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}

	for _, cfg := range cfgs {
		if cfg.ID == "" {
			_ = closeAll()
			return nil, nil, errors.New("executor: target without id")
		}

		var t Target
		switch cfg.Type {
		case TypeConnector:
			// В реальном проде адрес будет из конфига или Service Discovery
			conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				_ = closeAll()
				return nil, nil, fmt.Errorf("executor: connector %q: %w", cfg.ID, err)
			}
			conns = append(conns, conn)
			t = NewConnectorTarget(cfg, conn)
		case TypeMock:
			t = NewMockTarget(cfg.ID)
		default:
			ct, err := NewCommandTarget(cfg, runner)
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}
			t = ct
		}

		reg.Register(NewReliabilityWrapper(t, metrics, logger))
		logger.Info("target registered", zap.String("target_id", cfg.ID), zap.String("type", cfg.Type))
	}
	return reg, closeAll, nil
}
