package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/GETSUNWOO/futures-encho/internal/decision"
	"github.com/GETSUNWOO/futures-encho/internal/gateway/provider"
	"github.com/GETSUNWOO/futures-encho/internal/logger"
	"github.com/GETSUNWOO/futures-encho/internal/pkg/text"
	"github.com/GETSUNWOO/futures-encho/internal/retry"
	"github.com/GETSUNWOO/futures-encho/internal/signals"
)

const (
	serpAPIURL       = "https://serpapi.com/search.json"
	defaultNewsQuery = "bitcoin cryptocurrency BTC"
	defaultNewsLimit = 15
)

// NewsSource 新闻标题来源。
type NewsSource interface {
	Headlines(ctx context.Context, query string, limit int) ([]signals.Headline, error)
}

// SerpAPIClient google_news 引擎。
type SerpAPIClient struct {
	BaseURL string
	APIKey  string
	httpc   *http.Client
}

func NewSerpAPIClient(apiKey string) *SerpAPIClient {
	return &SerpAPIClient{
		BaseURL: serpAPIURL,
		APIKey:  strings.TrimSpace(apiKey),
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

type serpResponse struct {
	Error       string `json:"error"`
	NewsResults []struct {
		Title   string          `json:"title"`
		Link    string          `json:"link"`
		Date    string          `json:"date"`
		Snippet string          `json:"snippet"`
		Source  json.RawMessage `json:"source"`
	} `json:"news_results"`
}

// sourceName source 字段既可能是字符串也可能是 {"name": ...}。
func sourceName(m json.RawMessage) string {
	if len(m) == 0 {
		return ""
	}
	var s string
	if err := sonic.Unmarshal(m, &s); err == nil {
		return s
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := sonic.Unmarshal(m, &obj); err == nil {
		return obj.Name
	}
	return ""
}

func (c *SerpAPIClient) Headlines(ctx context.Context, query string, limit int) ([]signals.Headline, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("SerpAPI key 未配置")
	}
	q := url.Values{}
	q.Set("engine", "google_news")
	q.Set("q", query)
	q.Set("gl", "us")
	q.Set("hl", "en")
	q.Set("num", strconv.Itoa(limit))
	q.Set("api_key", c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("SerpAPI 请求失败: %w", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("读取 SerpAPI 响应失败: %w", err))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, retry.Transientf("SerpAPI 状态码 %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("SerpAPI 状态码 %d: %s", resp.StatusCode, text.Truncate(string(body), 200))
	}
	var parsed serpResponse
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		return nil, retry.Validation(fmt.Errorf("SerpAPI 响应解析失败: %w", err))
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("SerpAPI 错误: %s", parsed.Error)
	}
	out := make([]signals.Headline, 0, len(parsed.NewsResults))
	for _, n := range parsed.NewsResults {
		title := strings.TrimSpace(n.Title)
		if title == "" {
			continue
		}
		out = append(out, signals.Headline{
			Title:  title,
			Source: sourceName(n.Source),
			Date:   n.Date,
			Link:   n.Link,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var (
	positiveWords = []string{
		"surge", "surges", "rally", "rallies", "soar", "soars", "gain", "gains", "bull", "bullish",
		"record", "high", "adoption", "approve", "approved", "approval", "inflow", "inflows", "breakout",
		"rise", "rises", "jump", "jumps", "climb", "climbs", "recover", "recovers", "upgrade", "buy",
	}
	negativeWords = []string{
		"crash", "crashes", "plunge", "plunges", "drop", "drops", "fall", "falls", "bear", "bearish",
		"selloff", "sell-off", "hack", "hacked", "ban", "bans", "lawsuit", "fraud", "outflow", "outflows",
		"liquidation", "liquidations", "decline", "declines", "slump", "slumps", "fear", "dump", "reject", "rejected",
	}
	lexicon = buildLexicon()
)

func buildLexicon() map[string]int {
	m := make(map[string]int, len(positiveWords)+len(negativeWords))
	for _, w := range positiveWords {
		m[w] = 1
	}
	for _, w := range negativeWords {
		m[w] = -1
	}
	return m
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != '-'
	})
}

// ScoreHeadlines 词典打分：单条 0.5±，整体按 (pos+1)/(pos+neg+2) 平滑到 [0,1]。
func ScoreHeadlines(query string, hs []signals.Headline) signals.NewsPayload {
	out := signals.NewsPayload{Query: query, Headlines: make([]signals.Headline, 0, len(hs))}
	for _, h := range hs {
		pos, neg := 0, 0
		for _, tok := range tokenize(h.Title) {
			switch lexicon[tok] {
			case 1:
				pos++
			case -1:
				neg++
			}
		}
		h.Score = signals.NeutralNewsScore
		if pos+neg > 0 {
			h.Score = float64(pos) / float64(pos+neg)
		}
		out.Positive += pos
		out.Negative += neg
		out.Headlines = append(out.Headlines, h)
	}
	out.Score = float64(out.Positive+1) / float64(out.Positive+out.Negative+2)
	out.Sentiment = sentimentLabel(out.Score)
	return out
}

func sentimentLabel(score float64) string {
	switch {
	case score >= 0.7:
		return "bullish"
	case score <= 0.3:
		return "bearish"
	default:
		return "neutral"
	}
}

const newsSystemPrompt = `你是加密货币新闻情绪分析员。阅读给定的比特币新闻标题，只输出一个 JSON 对象：
{"sentiment_score": 0.0-1.0, "summary": "一句话总结"}
sentiment_score: 0.0-0.3 看空，0.3-0.7 中性，0.7-1.0 看多。`

// refineWithModel 有模型时用模型给出的情绪分替换词典分，失败保持原值。
func refineWithModel(ctx context.Context, model ChatModel, p signals.NewsPayload) signals.NewsPayload {
	if model == nil || len(p.Headlines) == 0 {
		return p
	}
	var b strings.Builder
	for i, h := range p.Headlines {
		fmt.Fprintf(&b, "%d. %s", i+1, h.Title)
		if h.Source != "" {
			fmt.Fprintf(&b, " (%s)", h.Source)
		}
		b.WriteByte('\n')
	}
	raw, err := model.Call(ctx, provider.ChatPayload{System: newsSystemPrompt, User: b.String(), MaxTokens: 300, ExpectJSON: true})
	if err != nil {
		logger.Warnf("[news] 模型情绪分析失败，使用词典分: %v", err)
		return p
	}
	score, ok := parseModelScore(raw)
	if !ok {
		logger.Warnf("[news] 模型输出无法解析，使用词典分: %s", text.Truncate(raw, 120))
		return p
	}
	p.Score = score
	p.Sentiment = sentimentLabel(score)
	return p
}

func parseModelScore(raw string) (float64, bool) {
	obj, ok := decision.ExtractJSON(raw)
	if !ok {
		return 0, false
	}
	var v struct {
		Score *float64 `json:"sentiment_score"`
	}
	if err := sonic.UnmarshalString(obj, &v); err != nil || v.Score == nil {
		return 0, false
	}
	if math.IsNaN(*v.Score) || *v.Score < 0 || *v.Score > 1 {
		return 0, false
	}
	return *v.Score, true
}
