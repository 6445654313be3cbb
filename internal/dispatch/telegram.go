package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "daymail/pkg/logx"
)

// TelegramConfig enables an optional copy of the daily summary to a chat.
type TelegramConfig struct {
	Enabled bool
	Token   string
	ChatID  int64
}

// telegramAnnouncer mirrors the daily summary into a Telegram chat.
// Strictly best-effort: failures are logged and never influence the
// email result.
type telegramAnnouncer struct {
	mu  sync.Mutex
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

func newTelegramAnnouncer(cfg TelegramConfig, log logx.Logger) *telegramAnnouncer {
	return &telegramAnnouncer{cfg: cfg, log: log}
}

func (a *telegramAnnouncer) apply(cfg TelegramConfig) {
	a.mu.Lock()
	if cfg.Token != a.cfg.Token {
		a.bot = nil // force re-dial with the new token
	}
	a.cfg = cfg
	a.mu.Unlock()
}

// announce sends text to the configured chat. The bot is dialed lazily so
// a missing network at boot doesn't wedge service construction.
func (a *telegramAnnouncer) announce(ctx context.Context, text string) {
	a.mu.Lock()
	cfg := a.cfg
	bot := a.bot
	a.mu.Unlock()

	if !cfg.Enabled || cfg.Token == "" || cfg.ChatID == 0 {
		return
	}

	if bot == nil {
		b, err := tele.NewBot(tele.Settings{
			Token:  cfg.Token,
			Client: &http.Client{Timeout: 10 * time.Second},
		})
		if err != nil {
			a.log.Warn("telegram announcer unavailable", logx.Err(err))
			return
		}
		a.mu.Lock()
		a.bot = b
		bot = b
		a.mu.Unlock()
	}

	_ = ctx // telebot carries its own HTTP timeout
	if _, err := bot.Send(tele.ChatID(cfg.ChatID), text); err != nil {
		a.log.Warn("telegram announce failed", logx.Int64("chat_id", cfg.ChatID), logx.Err(err))
		return
	}
	a.log.Debug("telegram announce sent", logx.Int64("chat_id", cfg.ChatID))
}
