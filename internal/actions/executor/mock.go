package executor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockTarget имитирует кластер для dev-режима и тестов: задержка и детерминированные ответы.
type MockTarget struct {
	id      string
	Latency time.Duration
}

func NewMockTarget(id string) *MockTarget {
	return &MockTarget{id: id}
}

func (m *MockTarget) ID() string   { return m.id }
func (m *MockTarget) Type() string { return TypeMock }

func (m *MockTarget) Execute(ctx context.Context, command string) (string, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
			// Имитация работы
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	words, err := SplitCommand(command)
	if err != nil {
		return "", err
	}
	words = trimBinary(trimBinary(words, "kubectl"), "docker")
	if len(words) == 0 {
		return "", fmt.Errorf("empty command")
	}
	subject := "app"
	if len(words) > 1 {
		subject = words[len(words)-1]
	}
	if strings.Contains(command, "unstable") {
		return "", fmt.Errorf("%s: service internal error", m.id)
	}

	switch strings.ToLower(words[0]) {
	case "get", "status", "ps":
		return "NAME                      READY   STATUS    RESTARTS   AGE\n" +
			"payments-7d9f8b6c5-x2k4q  1/1     Running   0          3d", nil
	case "logs":
		return fmt.Sprintf("[%s] INFO  started\n[%s] INFO  healthy", subject, subject), nil
	case "describe":
		return fmt.Sprintf("Name: %s\nStatus: Running", subject), nil
	case "restart":
		return fmt.Sprintf("deployment.apps/%s restarted", subject), nil
	case "scale":
		return fmt.Sprintf("deployment.apps/%s scaled", subject), nil
	case "deploy", "rollout":
		return fmt.Sprintf("deployment.apps/%s rolled out", subject), nil
	case "delete", "remove", "destroy", "drop":
		return fmt.Sprintf("%s \"%s\" deleted", words[0], subject), nil
	default:
		return fmt.Sprintf("executed on %s: %s", m.id, command), nil
	}
}
