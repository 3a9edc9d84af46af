package notifier

import (
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/GETSUNWOO/futures-encho/internal/logger"
)

const maxMessageLen = 4096

// TextNotifier 最小化的文本推送接口。
type TextNotifier interface {
	SendText(text string) error
}

// Noop 未启用通知时使用。
type Noop struct{}

func (Noop) SendText(string) error { return nil }

// Telegram 单会话推送；BotAPI 在首次发送时创建。
type Telegram struct {
	token    string
	chatID   int64
	endpoint string

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegram(token string, chatID int64) *Telegram {
	return &Telegram{token: strings.TrimSpace(token), chatID: chatID, endpoint: tgbotapi.APIEndpoint}
}

func (t *Telegram) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("初始化 Telegram 失败: %w", err)
	}
	t.bot = bot
	return bot, nil
}

// SendText 超过单条上限时按行切分发送。
func (t *Telegram) SendText(text string) error {
	if t == nil || t.token == "" || t.chatID == 0 {
		return nil
	}
	bot, err := t.client()
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := bot.Send(tgbotapi.NewMessage(t.chatID, chunk)); err != nil {
			logger.Warnf("[notify] Telegram 发送失败: %v", err)
			return err
		}
	}
	return nil
}

func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var out []string
	var b strings.Builder
	for _, ln := range strings.SplitAfter(text, "\n") {
		for len(ln) > limit {
			if b.Len() > 0 {
				out = append(out, b.String())
				b.Reset()
			}
			cut := limit
			for cut > 0 && !utf8Start(ln[cut]) {
				cut--
			}
			out = append(out, ln[:cut])
			ln = ln[cut:]
		}
		if b.Len()+len(ln) > limit {
			out = append(out, b.String())
			b.Reset()
		}
		b.WriteString(ln)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

func utf8Start(c byte) bool { return c&0xC0 != 0x80 }
