package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/judgeflow/internal/tlsutil"
	"github.com/BaSui01/judgeflow/retry"
	"github.com/BaSui01/judgeflow/types"
	"go.uber.org/zap"
)

// Prompt 一次模型调用的输入
type Prompt struct {
	System      string  `json:"system,omitempty"`
	User        string  `json:"user"`
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ModelClient 生成式模型客户端接口
type ModelClient interface {
	// Model 返回模型名，用作熔断目标 llm:<model>
	Model() string
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// ClientConfig OpenAI 兼容客户端配置
type ClientConfig struct {
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	APIKey       string        `yaml:"api_key" json:"-"`
	Model        string        `yaml:"model" json:"model"`
	EndpointPath string        `yaml:"endpoint_path" json:"endpoint_path"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
}

// OpenAIClient 调用 OpenAI 兼容 /v1/chat/completions 接口
type OpenAIClient struct {
	cfg     ClientConfig
	client  *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewOpenAIClient 创建客户端
func NewOpenAIClient(cfg ClientConfig, logger *zap.Logger) *OpenAIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "llm_client"), zap.String("model", cfg.Model))

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	policy.InitialDelay = 200 * time.Millisecond
	policy.MaxDelay = 2 * time.Second

	return &OpenAIClient{
		cfg:     cfg,
		client:  tlsutil.NewHTTPClient(cfg.Timeout),
		retryer: retry.New(policy, logger),
		logger:  logger,
	}
}

// Model 返回模型名
func (c *OpenAIClient) Model() string { return c.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float32           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete 发起一次补全，429 与 5xx 按退避策略重试
func (c *OpenAIClient) Complete(ctx context.Context, prompt Prompt) (string, error) {
	body := chatRequest{
		Model:          c.cfg.Model,
		Temperature:    prompt.Temperature,
		MaxTokens:      prompt.MaxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	if prompt.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: prompt.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: prompt.User})

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	return retry.DoWithResult(ctx, c.retryer, func(ctx context.Context) (string, error) {
		return c.do(ctx, payload)
	})
}

func (c *OpenAIClient) do(ctx context.Context, payload []byte) (string, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.EndpointPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", types.NewTransientError(c.target(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewTransientError(c.target(), fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", types.NewTransientError(c.target(), fmt.Errorf("response has no choices"))
	}
	return out.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) target() string { return "llm:" + c.cfg.Model }

// mapHTTPError 把上游状态码映射为平台错误：429/5xx 可重试，其余为永久错误
func (c *OpenAIClient) mapHTTPError(status int, msg string) error {
	cause := fmt.Errorf("status=%d msg=%s", status, msg)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return types.NewTransientError(c.target(), cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewPermanentError("model endpoint rejected credentials", cause).WithTarget(c.target())
	default:
		return types.NewPermanentError("model endpoint rejected request", cause).WithTarget(c.target())
	}
}

// readErrorMessage 尝试解析 JSON 错误体，失败时回退为原始文本
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return string(data)
}
