package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/actions"
	"github.com/xela07ax/spaceai-agent-fleet/internal/actions/executor"
	"github.com/xela07ax/spaceai-agent-fleet/internal/audit"
	"github.com/xela07ax/spaceai-agent-fleet/internal/deployment"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"github.com/xela07ax/spaceai-agent-fleet/internal/repository/memory"
	"github.com/xela07ax/spaceai-agent-fleet/internal/risk"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type nopRecorder struct{}

func (nopRecorder) Record(audit.ActionEvent) {}

type fakeClassifier struct {
	intents []domain.Intent
	err     error
	calls   int
}

func (f *fakeClassifier) ClassifyIntents(context.Context, string, []executor.Info) ([]domain.Intent, error) {
	f.calls++
	return f.intents, f.err
}

type fakeResponder struct {
	last  domain.ResponseRequest
	reply string
	err   error
}

func (f *fakeResponder) Respond(_ context.Context, req domain.ResponseRequest) (string, error) {
	f.last = req
	return f.reply, f.err
}

type delivered struct {
	actorID, token string
	action         *domain.InfrastructureAction
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []delivered
}

func (f *fakeNotifier) NotifyConfirmation(_ context.Context, _, actorID string, a *domain.InfrastructureAction, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivered{actorID: actorID, token: token, action: a})
	return nil
}

type pipelineHarness struct {
	p          *Pipeline
	store      *memory.Store
	actions    *actions.Service
	classifier *fakeClassifier
	responder  *fakeResponder
	notifier   *fakeNotifier
}

func newPipelineHarness(t *testing.T, targetIDs ...string) *pipelineHarness {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	if _, err := store.UpsertAgent(ctx, &domain.Agent{Name: "NOX", Title: "DevOps Engineer"}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	daytime := func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }
	analyzer := risk.NewAnalyzer(risk.BusinessHours{Start: 9, End: 18, Location: time.UTC}, zap.NewNop()).WithClock(daytime)
	reg := executor.NewRegistry()
	for _, id := range targetIDs {
		reg.Register(executor.NewMockTarget(id))
	}
	metrics := engine.NewMetrics(nil)
	svc := actions.NewService(store, analyzer, reg, nopRecorder{}, infra.ActionsConfig{
		DefaultTimeout: time.Second, ResultPreviewLimit: 500, BcryptCost: bcrypt.MinCost,
	}, metrics, zap.NewNop())

	deployments := deployment.NewManager(store, infra.DeploymentConfig{DefaultAgent: "NOX"}, zap.NewNop())
	h := &pipelineHarness{
		store:      store,
		actions:    svc,
		classifier: &fakeClassifier{},
		responder:  &fakeResponder{reply: "On it."},
		notifier:   &fakeNotifier{},
	}
	h.p = New(deployments, store, h.classifier, h.responder, svc, h.notifier, metrics, zap.NewNop())
	return h
}

func (h *pipelineHarness) mention(text string) Mention {
	return Mention{WorkspaceID: "ws-1", ActorID: "alice", ChannelID: "C1", Text: text, AgentName: "NOX"}
}

func (h *pipelineHarness) onlyDeployment(t *testing.T) *domain.Deployment {
	t.Helper()
	deps, _ := h.store.ListDeployments(context.Background(), "ws-1")
	if len(deps) != 1 {
		t.Fatalf("expected one deployment, got %d", len(deps))
	}
	return deps[0]
}

func TestGreetingSkipsIntentDetection(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	ctx := context.Background()

	reply, err := h.p.HandleMention(ctx, h.mention("hello!"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "On it." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if h.classifier.calls != 0 || !h.responder.last.Greeting {
		t.Fatalf("greeting must not run intent detection (calls=%d)", h.classifier.calls)
	}

	dep := h.onlyDeployment(t)
	if dep.LastActiveAt == nil {
		t.Fatal("expected deployment activity to be recorded")
	}
	interactions, _ := h.store.ListInteractions(ctx, dep.ID)
	if len(interactions) != 1 || !interactions[0].Success || interactions[0].AgentResponse != "On it." {
		t.Fatalf("unexpected interactions %+v", interactions)
	}
	metrics, _ := h.store.ListMetrics(ctx, dep.ID, 0)
	if len(metrics) != 2 {
		t.Fatalf("expected response_time and interactions metrics, got %d", len(metrics))
	}
}

func TestInfoIntentExecutesImmediately(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	h.classifier.intents = []domain.Intent{{Kind: domain.IntentCheckStatus, Command: "kubectl get pods"}}

	if _, err := h.p.HandleMention(context.Background(), h.mention("what is running in the cluster right now?")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	outcomes := h.responder.last.Outcomes
	if len(outcomes) != 1 || !outcomes[0].Executed || outcomes[0].Status != domain.ActionCompleted {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	if !strings.Contains(outcomes[0].Summary, "Running") {
		t.Fatalf("expected command output in summary, got %q", outcomes[0].Summary)
	}
	if len(h.notifier.sent) != 0 {
		t.Fatal("info action must not request confirmation")
	}
}

func TestRiskyIntentAwaitsConfirmation(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	h.classifier.intents = []domain.Intent{{Kind: domain.IntentInfrastructure, Command: "restart payments-service", TargetID: "svc-1"}}
	ctx := context.Background()

	if _, err := h.p.HandleMention(ctx, h.mention("please restart payments-service on svc-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	outcome := h.responder.last.Outcomes[0]
	if !outcome.AwaitingConfirmation || outcome.Executed || outcome.RiskLevel != domain.RiskWarning {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if len(h.notifier.sent) != 1 || h.notifier.sent[0].actorID != "alice" || h.notifier.sent[0].token == "" {
		t.Fatalf("expected token delivered to alice, got %+v", h.notifier.sent)
	}

	a, err := h.actions.ExecuteAction(ctx, outcome.ActionID, actions.ExecuteOptions{
		ConfirmationToken: h.notifier.sent[0].token, Actor: "alice",
	})
	if err != nil || a.Status != domain.ActionCompleted {
		t.Fatalf("expected delivered token to confirm the action, got %+v %v", a, err)
	}
}

func TestAmbiguousTargetAsksWhichTarget(t *testing.T) {
	h := newPipelineHarness(t, "svc-1", "svc-2")
	h.classifier.intents = []domain.Intent{{Kind: domain.IntentReadLogs}}
	ctx := context.Background()

	if _, err := h.p.HandleMention(ctx, h.mention("show me the logs please")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	outcome := h.responder.last.Outcomes[0]
	if !outcome.NeedsInput || !strings.Contains(outcome.Summary, "which target?") {
		t.Fatalf("expected which-target outcome, got %+v", outcome)
	}
	list, _ := h.store.ListActions(ctx, domain.ActionFilter{})
	if len(list) != 0 {
		t.Fatalf("no action should be created when target is ambiguous, got %d", len(list))
	}
}

func TestTargetNamedInText(t *testing.T) {
	h := newPipelineHarness(t, "svc-1", "svc-2")
	h.classifier.intents = []domain.Intent{{Kind: domain.IntentReadLogs}}

	if _, err := h.p.HandleMention(context.Background(), h.mention("show me the logs of svc-2")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	outcome := h.responder.last.Outcomes[0]
	if !outcome.Executed || outcome.Intent.TargetID != "svc-2" || outcome.Intent.Command != "logs" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestFailureIsRecordedAndReturned(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	boom := errors.New("model overloaded")
	h.responder.err = boom
	ctx := context.Background()

	_, err := h.p.HandleMention(ctx, h.mention("why is the api slow today?"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected responder error to propagate, got %v", err)
	}
	dep := h.onlyDeployment(t)
	interactions, _ := h.store.ListInteractions(ctx, dep.ID)
	if len(interactions) != 1 || interactions[0].Success || !strings.Contains(interactions[0].ErrorMessage, "model overloaded") {
		t.Fatalf("expected failed interaction record, got %+v", interactions)
	}
}

func TestUndeployedAgentIsReported(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	_, _ = h.store.UpsertAgent(context.Background(), &domain.Agent{Name: "ATLAS"})

	m := h.mention("hello")
	m.AgentName = "ATLAS"
	if _, err := h.p.HandleMention(context.Background(), m); !errors.Is(err, domain.ErrDeploymentMissing) {
		t.Fatalf("expected missing deployment, got %v", err)
	}
}

func TestIsGreeting(t *testing.T) {
	cases := map[string]bool{
		"hello":                          true,
		"Hi there!":                      true,
		"bonjour":                        true,
		"ça va ?":                        true,
		"this is broken":                 false,
		"hello, can you restart the api": false,
		"":                               false,
		"status":                         false,
	}
	for text, want := range cases {
		if got := IsGreeting(text); got != want {
			t.Fatalf("IsGreeting(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestActionType(t *testing.T) {
	cases := []struct {
		kind    domain.IntentKind
		command string
		want    domain.ActionType
	}{
		{domain.IntentReadLogs, "logs api", domain.ActionRead},
		{domain.IntentInfrastructure, "restart api", domain.ActionRestart},
		{domain.IntentInfrastructure, "kubectl scale deploy/api --replicas=3", domain.ActionScale},
		{domain.IntentInfrastructure, "deploy api", domain.ActionDeploy},
		{domain.IntentInfrastructure, "delete pod api-1", domain.ActionExecute},
	}
	for _, tc := range cases {
		if got := actionType(tc.kind, tc.command); got != tc.want {
			t.Fatalf("actionType(%s, %q) = %s, want %s", tc.kind, tc.command, got, tc.want)
		}
	}
}

type fakeTickets struct {
	reqs []domain.TicketRequest
}

func (f *fakeTickets) CreateTicket(_ context.Context, req domain.TicketRequest) (*domain.Ticket, error) {
	f.reqs = append(f.reqs, req)
	return &domain.Ticket{Key: "OPS-7"}, nil
}

type fakeCalendar struct {
	reqs []domain.EventRequest
}

func (f *fakeCalendar) ScheduleEvent(_ context.Context, req domain.EventRequest) (*domain.ScheduledEvent, error) {
	f.reqs = append(f.reqs, req)
	return &domain.ScheduledEvent{ID: "evt-1", StartsAt: time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC), DurationMinutes: 60}, nil
}

// pendingRestart создает действие, ждущее подтверждения, и возвращает его id и токен из DM.
func (h *pipelineHarness) pendingRestart(t *testing.T) (string, string) {
	t.Helper()
	h.classifier.intents = []domain.Intent{{Kind: domain.IntentInfrastructure, Command: "restart payments-service", TargetID: "svc-1"}}
	if _, err := h.p.HandleMention(context.Background(), h.mention("please restart payments-service")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.classifier.intents = nil
	if len(h.notifier.sent) != 1 {
		t.Fatalf("expected a delivered token, got %+v", h.notifier.sent)
	}
	return h.notifier.sent[0].action.ID, h.notifier.sent[0].token
}

func TestChatConfirmRunsPendingAction(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	ctx := context.Background()
	id, token := h.pendingRestart(t)
	calls := h.classifier.calls

	reply, err := h.p.HandleMention(ctx, h.mention("confirm "+id+" "+token))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !strings.Contains(reply, "completed") || !strings.Contains(reply, "restarted") {
		t.Fatalf("unexpected reply %q", reply)
	}
	if h.classifier.calls != calls {
		t.Fatal("confirm must not go through intent detection")
	}
	a, _ := h.store.GetAction(ctx, id)
	if a.Status != domain.ActionCompleted || a.ExecutedBy != "alice" {
		t.Fatalf("unexpected action %+v", a)
	}

	interactions, _ := h.store.ListInteractions(ctx, h.onlyDeployment(t).ID)
	last := interactions[len(interactions)-1]
	if strings.Contains(last.UserMessage, token) || last.Metadata["command"] != "confirm" {
		t.Fatalf("confirmation token must not be stored, got %+v", last)
	}
}

func TestChatConfirmRejectsWrongToken(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	ctx := context.Background()
	id, _ := h.pendingRestart(t)

	reply, err := h.p.HandleMention(ctx, h.mention("confirm "+id+" not-the-token"))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !strings.Contains(reply, "not valid") {
		t.Fatalf("unexpected reply %q", reply)
	}
	a, _ := h.store.GetAction(ctx, id)
	if a.Status != domain.ActionPending {
		t.Fatalf("wrong token must leave the action pending, got %s", a.Status)
	}
}

func TestChatConfirmTokenIsSingleUse(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	ctx := context.Background()
	id, token := h.pendingRestart(t)

	if _, err := h.p.HandleMention(ctx, h.mention("confirm "+id+" "+token)); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	reply, err := h.p.HandleMention(ctx, h.mention("confirm "+id+" "+token))
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if !strings.Contains(reply, "no longer pending") {
		t.Fatalf("expected reuse to be refused, got %q", reply)
	}
	events := 0
	list, _ := h.store.ListActions(ctx, domain.ActionFilter{Status: domain.ActionCompleted})
	for _, a := range list {
		if a.ID == id {
			events++
		}
	}
	if events != 1 {
		t.Fatalf("expected the action to run once, got %d", events)
	}
}

func TestChatCancelOnlyByAuthor(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	ctx := context.Background()
	id, _ := h.pendingRestart(t)

	m := h.mention("cancel " + id)
	m.ActorID = "mallory"
	reply, err := h.p.HandleMention(ctx, m)
	if err != nil || !strings.Contains(reply, "Only the author") {
		t.Fatalf("unexpected reply %q %v", reply, err)
	}

	reply, err = h.p.HandleMention(ctx, h.mention("cancel "+id))
	if err != nil || !strings.Contains(reply, "cancelled") {
		t.Fatalf("unexpected reply %q %v", reply, err)
	}
	a, _ := h.store.GetAction(ctx, id)
	if a.Status != domain.ActionCancelled {
		t.Fatalf("expected cancelled, got %s", a.Status)
	}
}

func TestStatusAndHelpCommands(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	ctx := context.Background()

	reply, err := h.p.HandleMention(ctx, h.mention("/nox-status"))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	dep := h.onlyDeployment(t)
	if !strings.Contains(reply, dep.AgentID) || !strings.Contains(reply, "active") {
		t.Fatalf("unexpected status %q", reply)
	}

	reply, _ = h.p.HandleMention(ctx, h.mention("/help"))
	if !strings.Contains(reply, "confirm <actionId> <token>") || !strings.Contains(reply, "@NOX") {
		t.Fatalf("unexpected help %q", reply)
	}

	reply, _ = h.p.HandleMention(ctx, h.mention("/metrics"))
	if !strings.Contains(reply, "interactions=1") {
		t.Fatalf("expected metrics of the previous commands, got %q", reply)
	}
	if h.classifier.calls != 0 {
		t.Fatal("commands must not go through intent detection")
	}
}

func TestQuickDiagnosticRunsReadOnlyChecks(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	h.classifier.intents = []domain.Intent{{Kind: domain.IntentDiagnostic}}
	ctx := context.Background()

	if _, err := h.p.HandleMention(ctx, h.mention("run a quick diagnostic")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	outcome := h.responder.last.Outcomes[0]
	if !outcome.Executed || outcome.Status != domain.ActionCompleted || outcome.Intent.TargetID != "svc-1" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if !strings.Contains(outcome.Summary, "1/1 checks") || !strings.Contains(outcome.Summary, "Running") {
		t.Fatalf("unexpected summary %q", outcome.Summary)
	}
	if len(h.notifier.sent) != 0 {
		t.Fatal("diagnostic must not request confirmation")
	}
	list, _ := h.store.ListActions(ctx, domain.ActionFilter{Status: domain.ActionCompleted})
	if len(list) != 1 || list[0].Type != domain.ActionRead {
		t.Fatalf("expected one audited read action, got %+v", list)
	}
}

func TestTicketAndMeetingIntents(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	ctx := context.Background()
	h.classifier.intents = []domain.Intent{
		{Kind: domain.IntentIncident, Title: "checkout 500s", Severity: "high"},
		{Kind: domain.IntentPostmortem},
	}

	// без подключенных интеграций намерения не исполняются
	if _, err := h.p.HandleMention(ctx, h.mention("checkout is down, open an incident")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if o := h.responder.last.Outcomes; o[0].Executed || !strings.Contains(o[0].Summary, "not configured") || o[1].Executed {
		t.Fatalf("unexpected outcomes without integrations %+v", o)
	}

	tickets, calendar := &fakeTickets{}, &fakeCalendar{}
	h.p.WithTickets(tickets).WithEvents(calendar)
	if _, err := h.p.HandleMention(ctx, h.mention("checkout is down, open an incident")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	o := h.responder.last.Outcomes
	if !o[0].Executed || !strings.Contains(o[0].Summary, "OPS-7") || !o[1].Executed {
		t.Fatalf("unexpected outcomes %+v", o)
	}
	if len(tickets.reqs) != 1 || tickets.reqs[0].Title != "checkout 500s" || tickets.reqs[0].Reporter != "alice" {
		t.Fatalf("unexpected ticket request %+v", tickets.reqs)
	}
	if len(calendar.reqs) != 1 || calendar.reqs[0].Title != "checkout is down, open an incident" {
		t.Fatalf("meeting title falls back to the message, got %+v", calendar.reqs)
	}
}

func TestConversationHistoryFeedsResponder(t *testing.T) {
	h := newPipelineHarness(t, "svc-1")
	h.p.WithHistory(5)
	ctx := context.Background()

	if _, err := h.p.HandleMention(ctx, h.mention("why is the api slow?")); err != nil {
		t.Fatalf("first: %v", err)
	}
	if len(h.responder.last.History) != 0 {
		t.Fatalf("first message has no history, got %+v", h.responder.last.History)
	}
	if _, err := h.p.HandleMention(ctx, h.mention("and what about the database?")); err != nil {
		t.Fatalf("second: %v", err)
	}
	hist := h.responder.last.History
	if len(hist) != 1 || hist[0].UserMessage != "why is the api slow?" || hist[0].AgentResponse != "On it." {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestParseCommand(t *testing.T) {
	cases := map[string]Command{
		"confirm a-1 tok":  {Kind: CommandConfirm, ActionID: "a-1", Token: "tok"},
		"CANCEL a-1":       {Kind: CommandCancel, ActionID: "a-1"},
		"/status":          {Kind: CommandStatus},
		"/nox-status":      {Kind: CommandStatus},
		"/nox-help":        {Kind: CommandHelp},
		"help":             {Kind: CommandHelp},
		"/metrics":         {Kind: CommandMetrics},
		"status":           {},
		"confirm a-1":      {},
		"cancel the build": {},
		"/deploy":          {},
	}
	for text, want := range cases {
		got, ok := ParseCommand(text)
		if ok != (want.Kind != "") || got != want {
			t.Fatalf("ParseCommand(%q) = %+v %v, want %+v", text, got, ok, want)
		}
	}
}
