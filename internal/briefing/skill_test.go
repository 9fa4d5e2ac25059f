package briefing

import (
	"context"
	"strings"
	"testing"

	xerrors "OpenBrief/internal/errors"
	"OpenBrief/internal/run"
	"OpenBrief/pkg/skill"
)

func newSkillManager(t *testing.T, orch *Orchestrator) *skill.Manager {
	t.Helper()
	cfg := skill.ManagerConfig{
		Defaults: skill.IsolationPolicy{
			AllowedCapabilities: []skill.Capability{skill.CapabilityNetwork},
		},
		Skills: map[string]skill.SkillConfig{
			SkillID: {Enabled: true},
		},
	}
	manager, err := skill.NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	registered, err := manager.RegisterFactory(SkillID, NewFactory(orch))
	if err != nil {
		t.Fatalf("register factory: %v", err)
	}
	if !registered {
		t.Fatalf("briefing skill should register when enabled")
	}
	return manager
}

func TestExecutorRunsBriefingSkill(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	store := &fakeReportStore{}
	orch := newTestOrchestrator(t, happyMailProvider(), happyCalendarProvider(),
		WithDispatcher(dispatcher), WithReportStore(store))

	manager := newSkillManager(t, orch)
	if err := manager.StartAll(context.Background()); err != nil {
		t.Fatalf("start skills: %v", err)
	}
	executor := NewExecutor(manager)

	outcome, err := executor.Execute(context.Background(), run.ExecuteRequest{
		RunID:        "run-42",
		BriefingDate: "2026-03-14",
		Trigger:      run.TriggerAPI,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if outcome.MailTotal != 3 || outcome.MailHigh != 2 || outcome.ReplyNeeded != 1 {
		t.Fatalf("unexpected mail outcome: %+v", outcome)
	}
	if outcome.EventTotal != 2 || outcome.EventHigh != 1 || !outcome.Delivered {
		t.Fatalf("unexpected event outcome: %+v", outcome)
	}
	if !strings.Contains(outcome.Report, "每日简报 2026-03-14") {
		t.Fatalf("outcome lacks composed report:\n%s", outcome.Report)
	}

	msgs := dispatcher.delivered()
	if len(msgs) != 1 || msgs[0].RunID != "run-42" {
		t.Fatalf("run id not threaded into delivery: %+v", msgs)
	}
	saved := store.saved()
	if len(saved) != 1 || saved[0].RunID != "run-42" {
		t.Fatalf("run id not threaded into summary: %+v", saved)
	}
}

func TestExecutorRequiresStartedSkill(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t, happyMailProvider(), happyCalendarProvider())
	manager := newSkillManager(t, orch)
	executor := NewExecutor(manager)

	if _, err := executor.Execute(context.Background(), run.ExecuteRequest{
		RunID:        "run-1",
		BriefingDate: "2026-03-14",
		Trigger:      run.TriggerManual,
	}); err == nil {
		t.Fatalf("expected error for skill that was never started")
	}
}

func TestExecutorPropagatesAuthFailureCode(t *testing.T) {
	t.Parallel()

	calP := happyCalendarProvider()
	calP.errs = []error{xerrors.New(xerrors.CodeAuthFailure, "token revoked")}
	orch := newTestOrchestrator(t, happyMailProvider(), calP)
	manager := newSkillManager(t, orch)
	if err := manager.StartAll(context.Background()); err != nil {
		t.Fatalf("start skills: %v", err)
	}
	executor := NewExecutor(manager)

	_, err := executor.Execute(context.Background(), run.ExecuteRequest{
		RunID:        "run-2",
		BriefingDate: "2026-03-14",
		Trigger:      run.TriggerSchedule,
	})
	if err == nil {
		t.Fatalf("expected auth failure to surface")
	}
	// 管理器用 %w 包装技能错误，错误码必须穿透包装层。
	if xerrors.CodeOf(err) != xerrors.CodeAuthFailure {
		t.Fatalf("expected AUTH_FAILURE through manager wrapping, got %v", err)
	}
	if !strings.Contains(err.Error(), "重新运行授权流程") {
		t.Fatalf("error should keep re-auth guidance: %v", err)
	}
}

func TestBriefingSkillRejectsUnknownOperation(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t, happyMailProvider(), happyCalendarProvider())
	s := NewSkill(orch)

	_, err := s.Execute(&skill.ExecutionContext{C: context.Background()}, skill.Request{Operation: "mint"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for unknown operation, got %v", err)
	}
}

func TestBriefingSkillInfoDeclaresNetwork(t *testing.T) {
	t.Parallel()

	info := NewSkill(nil).Info()
	if info.ID != SkillID || info.Category != skill.TypeAssistant {
		t.Fatalf("unexpected skill info: %+v", info)
	}
	found := false
	for _, capability := range info.Capabilities {
		if capability == skill.CapabilityNetwork {
			found = true
		}
	}
	if !found {
		t.Fatalf("briefing skill must declare the network capability: %+v", info.Capabilities)
	}
}
