package decision

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/GETSUNWOO/futures-encho/internal/gateway/provider"
)

// Oracle 外部决策 oracle：输入 Document，返回原始文本（期望为 JSON 对象）。
type Oracle interface {
	Decide(ctx context.Context, doc Document) (string, error)
}

// ChatModel 对话模型调用。
type ChatModel interface {
	Call(ctx context.Context, payload provider.ChatPayload) (string, error)
}

// PromptBuilder 将 Document 渲染为 system/user 提示词。
type PromptBuilder interface {
	Build(doc Document) (system string, user string, err error)
}

// DefaultPromptBuilder 使用内置输出约束，user 部分为 Document 的 JSON。
type DefaultPromptBuilder struct {
	System string
}

func (b DefaultPromptBuilder) Build(doc Document) (string, string, error) {
	system := strings.TrimSpace(defaultDecisionGuideline)
	if extra := strings.TrimSpace(b.System); extra != "" {
		system = extra + "\n\n" + system
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", "", err
	}
	return system, "以下为当前市场分析数据，请给出交易决策:\n" + string(body), nil
}

// ModelOracle 基于 ChatModel 的 Oracle 实现。
type ModelOracle struct {
	Model      ChatModel
	Builder    PromptBuilder
	ExpectJSON bool
}

func (o *ModelOracle) Decide(ctx context.Context, doc Document) (string, error) {
	if o == nil || o.Model == nil {
		return "", errors.New("oracle 模型未配置")
	}
	builder := o.Builder
	if builder == nil {
		builder = DefaultPromptBuilder{}
	}
	system, user, err := builder.Build(doc)
	if err != nil {
		return "", err
	}
	return o.Model.Call(ctx, provider.ChatPayload{System: system, User: user, ExpectJSON: o.ExpectJSON})
}
