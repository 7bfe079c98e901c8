package channel

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "herald/pkg/logx"
)

// TelegramConfig configures one Telegram delivery channel.
type TelegramConfig struct {
	ID    string
	Token string
	// Timeout bounds one send call. 0 means default.
	Timeout time.Duration
}

// Telegram delivers messages through a bot account. Recipient addresses are
// numeric chat IDs. This is a stateful messaging channel: callers should pair
// it with the slower delay bounds.
type Telegram struct {
	cfg TelegramConfig
	log logx.Logger
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, errors.New("telegram channel id is empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	// Send-only bot: no poller. Creation verifies the token via getMe.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{cfg: cfg, log: log, bot: b}, nil
}

func (t *Telegram) ID() string { return t.cfg.ID }

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.To), 10, 64)
	if err != nil {
		return &SendError{ChannelID: t.cfg.ID, Err: errors.New("address is not a chat id: " + msg.To)}
	}
	to := tele.ChatID(chatID)

	done := make(chan error, 1)
	go func() {
		var err error
		if strings.TrimSpace(msg.ImageRef) != "" {
			photo := &tele.Photo{File: tele.FromURL(msg.ImageRef), Caption: msg.Text}
			_, err = t.bot.Send(to, photo)
		} else {
			_, err = t.bot.Send(to, msg.Text)
		}
		done <- err
	}()

	timer := time.NewTimer(t.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &SendError{ChannelID: t.cfg.ID, Err: ctx.Err()}
	case <-timer.C:
		return &SendError{ChannelID: t.cfg.ID, Err: errors.New("send timed out")}
	case err := <-done:
		if err != nil {
			return &SendError{ChannelID: t.cfg.ID, Err: err}
		}
		return nil
	}
}

func (t *Telegram) Ping(ctx context.Context) error {
	// Token was validated at construction; nothing cheaper to probe.
	if t.bot == nil {
		return errors.New("telegram bot not initialized")
	}
	return nil
}
