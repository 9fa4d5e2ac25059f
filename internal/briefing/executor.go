package briefing

import (
	"context"

	xerrors "OpenBrief/internal/errors"
	"OpenBrief/internal/run"
	"OpenBrief/pkg/skill"
)

// Executor 把运行处理器的执行请求转发给技能管理器中的简报技能，
// 使队列驱动的运行与手工调用走同一条技能通道。
type Executor struct {
	manager *skill.Manager
	skillID string
}

var _ run.Executor = (*Executor)(nil)

// NewExecutor 构造执行器。
func NewExecutor(manager *skill.Manager) *Executor {
	return &Executor{manager: manager, skillID: SkillID}
}

// Execute 实现 run.Executor。
func (e *Executor) Execute(ctx context.Context, req run.ExecuteRequest) (*run.Outcome, error) {
	if e == nil || e.manager == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "简报执行器未配置技能管理器")
	}
	payload := map[string]any{
		payloadKeyDate:  req.BriefingDate,
		payloadKeyRunID: req.RunID,
		"trigger":       string(req.Trigger),
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	resp, err := e.manager.Execute(ctx, e.skillID, skill.Request{
		Operation: OperationCompose,
		Payload:   payload,
	})
	if err != nil {
		return nil, err
	}
	outcome, ok := resp.Data.(*run.Outcome)
	if !ok || outcome == nil {
		return nil, xerrors.New(xerrors.CodeSkillFailure, "简报技能返回了未知的结果类型")
	}
	return outcome, nil
}
