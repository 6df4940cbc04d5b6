package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const defaultSystemPrompt = `You are a manufacturing quality judge. Respond with a single JSON object:
{"status": string, "confidence": number between 0 and 1, "explanation": string, "recommended_actions": [string]}`

// DefaultTemplate 未部署提示词版本时使用的模板
const DefaultTemplate = `Workflow: ${workflow_id}
Input data:
${input_json}
Judge the situation and answer in the required JSON format.`

// Verdict 模型给出的结构化结论
type Verdict struct {
	Status             string   `json:"status"`
	Confidence         float64  `json:"confidence"`
	Explanation        string   `json:"explanation,omitempty"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`
}

// Template 提示词模板。版本体可以是纯文本（作为 user 模板），
// 也可以是含 system/user 字段的 YAML。
type Template struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// ParseTemplate 解析提示词版本体
func ParseTemplate(body string) Template {
	var t Template
	if err := yaml.Unmarshal([]byte(body), &t); err == nil && t.User != "" {
		if t.System == "" {
			t.System = defaultSystemPrompt
		}
		return t
	}
	if strings.TrimSpace(body) == "" {
		body = DefaultTemplate
	}
	return Template{System: defaultSystemPrompt, User: body}
}

// Adapter 渲染提示词、调用模型并把输出约束为 Verdict
type Adapter struct {
	client ModelClient
	logger *zap.Logger
}

// NewAdapter 创建适配器
func NewAdapter(client ModelClient, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{client: client, logger: logger.With(zap.String("component", "llm_adapter"))}
}

// Model 返回底层模型名
func (a *Adapter) Model() string { return a.client.Model() }

// Judge 执行一次模型判断。响应无法解析时返回 TRANSIENT_EXTERNAL（不可重试），
// 以便熔断器把它计为失败。
func (a *Adapter) Judge(ctx context.Context, templateBody, workflowID string, input map[string]any) (*Verdict, string, error) {
	tpl := ParseTemplate(templateBody)
	inputJSON, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return nil, "", types.NewValidationError("input is not serializable: %v", err)
	}
	vars := map[string]any{
		"workflow_id": workflowID,
		"input":       input,
		"input_json":  string(inputJSON),
	}
	prompt := Prompt{
		System:      dsl.Interpolate(tpl.System, vars),
		User:        dsl.Interpolate(tpl.User, vars),
		Temperature: 0,
	}

	raw, err := a.client.Complete(ctx, prompt)
	if err != nil {
		return nil, "", err
	}
	v, err := ParseVerdict(raw)
	if err != nil {
		a.logger.Warn("model response rejected", zap.Error(err), zap.Int("length", len(raw)))
		return nil, raw, types.NewError(types.ErrTransientExternal, "malformed model response").
			WithCause(err).
			WithTarget("llm:" + a.client.Model())
	}
	return v, raw, nil
}

// ParseVerdict 从模型输出中提取 JSON 对象并校验字段
func ParseVerdict(raw string) (*Verdict, error) {
	text := stripFences(raw)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var v Verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	v.Status = strings.TrimSpace(v.Status)
	if v.Status == "" {
		return nil, fmt.Errorf("status is required")
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0,1]", v.Confidence)
	}
	return &v, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
