package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/GETSUNWOO/futures-encho/internal/config"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/retry"
)

// ChatPayload 一次对话请求的内容。
type ChatPayload struct {
	System     string
	User       string
	MaxTokens  int
	ExpectJSON bool
}

// OpenAIChatClient OpenAI 兼容的 /chat/completions 客户端。
// 不做内部重试：429/5xx/网络错误以 retry.Transient 返回，由调用方的重试策略处理。
type OpenAIChatClient struct {
	BaseURL      string
	APIKey       string
	Model        string
	Timeout      time.Duration
	ExtraHeaders map[string]string

	httpOnce sync.Once
	httpc    *http.Client
}

// NewOpenAIChatClient 按 [ai] 配置构造客户端。
func NewOpenAIChatClient(cfg config.AIConfig) *OpenAIChatClient {
	return &OpenAIChatClient{
		BaseURL:      cfg.APIURL,
		APIKey:       cfg.APIKey,
		Model:        cfg.Model,
		Timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
		ExtraHeaders: cfg.Headers,
	}
}

func (c *OpenAIChatClient) Call(ctx context.Context, payload ChatPayload) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(c.Model) == "" {
		return "", retry.Validation(errors.New("AI 模型未配置"))
	}
	url := c.chatCompletionsURL()
	body, err := buildChatBodyBytes(c.Model, payload)
	if err != nil {
		return "", err
	}
	logger.Debugf("[AI] 请求: POST %s headers=%v bytes=%d", url, c.headersForLog(), len(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("AI 请求失败: %w", err))
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.Debugf("[AI] response body close failed: %v", cerr)
		}
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("AI 响应读取失败: %w", err))
	}
	if resp.StatusCode/100 != 2 {
		err := fmt.Errorf("status=%d: %s", resp.StatusCode, parseError(raw, resp.Status))
		if shouldRetry(resp.StatusCode) {
			return "", retry.Transient(err)
		}
		return "", err
	}
	return decodeChatContent(raw)
}

func (c *OpenAIChatClient) client() *http.Client {
	c.httpOnce.Do(func() {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		c.httpc = &http.Client{Timeout: timeout}
	})
	return c.httpc
}

func (c *OpenAIChatClient) chatCompletionsURL() string {
	url := strings.TrimRight(c.BaseURL, "/")
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

func buildChatBodyBytes(model string, payload ChatPayload) ([]byte, error) {
	messages := make([]chatMessage, 0, 2)
	if payload.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: payload.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: payload.User})

	maxTokens := payload.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	body := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0.3,
		MaxTokens:   maxTokens,
	}
	if payload.ExpectJSON {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}
	return sonic.Marshal(body)
}

func decodeChatContent(raw []byte) (string, error) {
	var r struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := sonic.Unmarshal(raw, &r); err != nil {
		return "", retry.Validation(fmt.Errorf("AI 响应解析失败: %w", err))
	}
	if len(r.Choices) == 0 {
		return "", retry.Validation(errors.New("empty choices"))
	}
	return r.Choices[0].Message.Content, nil
}

func (c *OpenAIChatClient) headers() map[string]string {
	out := map[string]string{"Content-Type": "application/json"}
	if c.APIKey != "" {
		out["Authorization"] = fmt.Sprintf("Bearer %s", c.APIKey)
	}
	for k, v := range c.ExtraHeaders {
		out[k] = v
	}
	return out
}

func (c *OpenAIChatClient) headersForLog() map[string]string {
	out := map[string]string{}
	for k, v := range c.headers() {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "auth") || strings.Contains(lk, "key") || strings.Contains(lk, "token") {
			if len(v) > 4 {
				out[k] = "****" + v[len(v)-4:]
			} else {
				out[k] = "****"
			}
			continue
		}
		out[k] = v
	}
	return out
}

func parseError(raw []byte, status string) string {
	var eresp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := sonic.Unmarshal(raw, &eresp); err == nil && strings.TrimSpace(eresp.Error.Message) != "" {
		return eresp.Error.Message
	}
	return status
}

func shouldRetry(code int) bool {
	return code == 429 || code == 500 || code == 502 || code == 503 || code == 504
}
