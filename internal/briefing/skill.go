package briefing

import (
	"context"
	"fmt"

	xerrors "OpenBrief/internal/errors"
	"OpenBrief/pkg/skill"
)

// SkillID 是简报技能在管理器中的注册名。
const SkillID = "briefing"

// OperationCompose 是简报技能唯一支持的操作。
const OperationCompose = "compose"

// 载荷键名，由运行执行器填充。
const (
	payloadKeyDate  = "briefing_date"
	payloadKeyRunID = "run_id"
)

// BriefingSkill 把编排器包装成统一的技能接口，使简报与其他
// 助手技能走同一套注册、配置与生命周期管理。
type BriefingSkill struct {
	orchestrator *Orchestrator
}

var _ skill.Skill = (*BriefingSkill)(nil)

// NewSkill 构造简报技能。
func NewSkill(orchestrator *Orchestrator) *BriefingSkill {
	return &BriefingSkill{orchestrator: orchestrator}
}

// NewFactory 返回供技能管理器按配置构建简报技能的工厂。
func NewFactory(orchestrator *Orchestrator) skill.Factory {
	return func() skill.Skill {
		return NewSkill(orchestrator)
	}
}

// Info 返回技能元数据。简报需要访问远端数据源，声明网络能力。
func (s *BriefingSkill) Info() skill.Info {
	return skill.Info{
		ID:           SkillID,
		Name:         "每日简报",
		Description:  "拉取未读邮件与当日日程，分类后生成并投递简报。",
		Author:       "OpenBrief",
		Version:      "1.0.0",
		Category:     skill.TypeAssistant,
		Capabilities: []skill.Capability{skill.CapabilityNetwork},
	}
}

// Configure 暂无可配置项，保留入口以兼容统一生命周期。
func (s *BriefingSkill) Configure(map[string]any) error {
	return nil
}

// Init 校验依赖齐备。
func (s *BriefingSkill) Init(*skill.ExecutionContext) error {
	if s == nil || s.orchestrator == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "简报技能缺少编排器")
	}
	return nil
}

// Execute 执行一次简报运行，结果以运行产出结构返回。
func (s *BriefingSkill) Execute(ectx *skill.ExecutionContext, req skill.Request) (*skill.Response, error) {
	if req.Operation != "" && req.Operation != OperationCompose {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("简报技能不支持操作 %s", req.Operation))
	}
	ctx := context.Background()
	if ectx != nil && ectx.C != nil {
		ctx = ectx.C
	}
	date, _ := req.Payload[payloadKeyDate].(string)
	runID, _ := req.Payload[payloadKeyRunID].(string)

	result, err := s.orchestrator.run(ctx, date, runID)
	if err != nil {
		return nil, err
	}
	return &skill.Response{
		Summary: fmt.Sprintf("简报 %s 生成完成", result.BriefingDate),
		Data:    result.outcome(),
	}, nil
}

// Stop 无需释放资源。
func (s *BriefingSkill) Stop(*skill.ExecutionContext) error {
	return nil
}
