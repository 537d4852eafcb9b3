package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/audit"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

func (s *Store) FleetDashboard(_ context.Context) (*domain.FleetDashboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := &domain.FleetDashboard{}

	for _, dep := range s.deployments {
		switch dep.Status {
		case domain.DeploymentActive:
			d.Fleet.ActiveDeployments++
		case domain.DeploymentPaused:
			d.Fleet.PausedDeployments++
		case domain.DeploymentFailed:
			d.Fleet.FailedDeployments++
		}
	}
	for _, t := range s.tasks {
		switch {
		case t.Status == domain.TaskPending:
			d.Queue.Pending++
		case t.Status == domain.TaskRunning:
			d.Queue.Running++
		case t.Exhausted():
			d.Queue.Exhausted++
		}
	}
	for _, a := range s.actions {
		if a.Status == domain.ActionPending {
			d.Actions.AwaitingConfirmation++
		}
	}

	since := s.now().Add(-time.Hour)
	var durations []int64
	for _, e := range s.auditEvents {
		if e.Timestamp.Before(since) || (e.Stage != audit.StageCompleted && e.Stage != audit.StageFailed) {
			continue
		}
		d.Actions.LastHour++
		if e.Stage == audit.StageFailed {
			d.Actions.FailedLastHour++
		}
		durations = append(durations, e.DurationMs)
	}
	d.Actions.P95LatencyMs = percentile(durations, 0.95)
	return d, nil
}

// percentile — линейная интерполяция, как PERCENTILE_CONT.
func percentile(values []int64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	pos := p * float64(len(values)-1)
	lo, hi := int(math.Floor(pos)), int(math.Ceil(pos))
	frac := pos - float64(lo)
	return float64(values[lo]) + (float64(values[hi])-float64(values[lo]))*frac
}

// ActionHistory — журнал одного действия по времени.
func (s *Store) ActionHistory(_ context.Context, actionID string) ([]audit.ActionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []audit.ActionEvent{}
	for _, e := range s.auditEvents {
		if e.ActionID == actionID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
