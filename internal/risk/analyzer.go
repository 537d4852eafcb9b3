package risk

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
)

// Rule — одно правило классификации. Правила проверяются по порядку, первое совпадение выигрывает.
type Rule struct {
	Name                 string
	Pattern              *regexp.Regexp
	RiskLevel            domain.RiskLevel
	RequiresConfirmation bool
	BusinessHoursOnly    bool // жесткий запрет вне окна, независимо от подтверждения
}

// DefaultRules — эталонные уровни риска.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:                 "destructive",
			Pattern:              regexp.MustCompile(`(?i)\b(delete|drop|remove|destroy|rm|truncate|purge)\b`),
			RiskLevel:            domain.RiskCritical,
			RequiresConfirmation: true,
			BusinessHoursOnly:    true,
		},
		{
			Name:                 "state-changing",
			Pattern:              regexp.MustCompile(`(?i)\b(restart|scale|deploy|rollout|stop|start|update|apply)\b`),
			RiskLevel:            domain.RiskWarning,
			RequiresConfirmation: true,
		},
		{
			Name:      "read-only",
			Pattern:   regexp.MustCompile(`(?i)\b(logs?|status|get|describe|list|ps|top|inspect)\b`),
			RiskLevel: domain.RiskInfo,
		},
	}
}

// BusinessHours — полуоткрытое окно [Start, End) в часах, в часовом поясе Location.
type BusinessHours struct {
	Start    int
	End      int
	Location *time.Location
}

// HoursFromConfig собирает окно из конфига. "Local" и пустая строка — часовой пояс процесса.
func HoursFromConfig(cfg infra.ActionsConfig) (BusinessHours, error) {
	loc := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return BusinessHours{}, fmt.Errorf("risk: load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	return BusinessHours{Start: cfg.BusinessHoursStart, End: cfg.BusinessHoursEnd, Location: loc}, nil
}

func (h BusinessHours) Contains(t time.Time) bool {
	if h.Location != nil {
		t = t.In(h.Location)
	}
	hour := t.Hour()
	return hour >= h.Start && hour < h.End
}

func (h BusinessHours) String() string {
	return fmt.Sprintf("%02d:00-%02d:00", h.Start, h.End)
}

// Analyzer классифицирует команды по уровню риска.
type Analyzer struct {
	rules  []Rule
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	hours BusinessHours
}

func NewAnalyzer(hours BusinessHours, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		rules:  DefaultRules(),
		hours:  hours,
		now:    time.Now,
		logger: logger.Named("analyzer"),
	}
}

// WithRules заменяет набор правил.
func (a *Analyzer) WithRules(rules []Rule) *Analyzer {
	a.rules = rules
	return a
}

// WithClock подменяет часы (для тестов).
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// SetBusinessHours применяет новое окно без рестарта (hot reload конфига).
func (a *Analyzer) SetBusinessHours(h BusinessHours) {
	a.mu.Lock()
	a.hours = h
	a.mu.Unlock()
	a.logger.Info("business hours updated", zap.String("window", h.String()))
}

func (a *Analyzer) BusinessHours() BusinessHours {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hours
}

// Validate классифицирует команду. Неподошедшая ни под одно правило — info без подтверждения.
func (a *Analyzer) Validate(command string) domain.Validation {
	// 1. Первое совпавшее правило
	rule, matched := a.match(command)
	if !matched {
		return domain.Validation{
			Allowed:   true,
			RiskLevel: domain.RiskInfo,
			Message:   "Read-only or unclassified operation.",
		}
	}

	v := domain.Validation{
		Allowed:              true,
		RiskLevel:            rule.RiskLevel,
		RequiresConfirmation: rule.RequiresConfirmation,
	}
	switch rule.RiskLevel {
	case domain.RiskCritical:
		v.Message = fmt.Sprintf("Critical action detected (%s). Confirmation required.", command)
	case domain.RiskWarning:
		v.Message = "State-changing action detected. Confirmation required."
	default:
		v.Message = "Read-only operation."
	}

	// 2. Жесткое временное ограничение
	if rule.BusinessHoursOnly {
		hours := a.BusinessHours()
		if !hours.Contains(a.now()) {
			v.Allowed = false
			v.Message += fmt.Sprintf(" Critical actions are blocked outside business hours (%s).", hours)
			a.logger.Warn("critical action blocked outside business hours",
				zap.String("rule", rule.Name),
				zap.String("window", hours.String()))
		}
	}
	return v
}

func (a *Analyzer) match(command string) (Rule, bool) {
	for _, r := range a.rules {
		if r.Pattern.MatchString(command) {
			return r, true
		}
	}
	return Rule{}, false
}
