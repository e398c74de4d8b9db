package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"repub/internal/captcha"
	rtsup "repub/internal/runtime/supervisor"
	logx "repub/pkg/logx"
)

// TelegramConfig configures the operator-facing Telegram surface.
type TelegramConfig struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

// Telegram notifies operators about parked challenges and accepts answers
// via /solve. It is best-effort: a Telegram outage never blocks publishing,
// answers can also arrive through any other caller of Inbox.Resolve.
type Telegram struct {
	cfg   TelegramConfig
	inbox *Inbox
	bot   *tele.Bot
	log   logx.Logger
	sup   *rtsup.Supervisor
}

func NewTelegram(cfg TelegramConfig, in *Inbox, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Telegram{cfg: cfg, inbox: in, bot: b, log: log}
	t.registerHandlers()
	in.OnPost(t.notify)
	return t, nil
}

func (t *Telegram) registerHandlers() {
	t.bot.Handle("/solve", func(c tele.Context) error {
		if !t.authorized(c) {
			return nil
		}
		args := c.Args()
		if len(args) != 2 {
			return c.Send("Usage: /solve <challenge-id> <token>")
		}
		if err := t.inbox.Resolve(args[0], args[1]); err != nil {
			return c.Send(fmt.Sprintf("Cannot resolve %s: %v", args[0], err))
		}
		return c.Send(fmt.Sprintf("Challenge %s answered, republish resumes shortly.", args[0]))
	})

	t.bot.Handle("/pending", func(c tele.Context) error {
		if !t.authorized(c) {
			return nil
		}
		pending := t.inbox.Pending()
		if len(pending) == 0 {
			return c.Send("No challenges waiting.")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d challenge(s) waiting:\n", len(pending))
		for _, ch := range pending {
			fmt.Fprintf(&b, "\n%s\naccount: %s\nad: %s\nwaiting since: %s\n",
				ch.ID, ch.AccountEmail, ch.AdTitle, ch.CreatedAt.Format(time.RFC3339))
		}
		return c.Send(b.String())
	})
}

func (t *Telegram) authorized(c tele.Context) bool {
	ch := c.Chat()
	if ch == nil || ch.ID != t.cfg.ChatID {
		if ch != nil {
			t.log.Warn("ignoring command from unexpected chat", logx.Int64("chat_id", ch.ID))
		}
		return false
	}
	return true
}

func (t *Telegram) notify(ch captcha.Challenge) {
	msg := fmt.Sprintf(
		"Captcha needs a human.\n\naccount: %s\nad: %s\npage: %s\n\nAnswer with:\n/solve %s <token>",
		ch.AccountEmail, ch.AdTitle, ch.PageURL, ch.ID)
	if _, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, msg); err != nil {
		t.log.Warn("challenge notification failed", logx.String("challenge", ch.ID), logx.Err(err))
	}
}

// Announce sends a free-form operator notice to the configured chat.
func (t *Telegram) Announce(text string) {
	if _, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text); err != nil {
		t.log.Warn("announce failed", logx.Err(err))
	}
}

// Start begins long polling. Telebot's loop can exit on some failures, so
// it runs under a restart supervisor.
func (t *Telegram) Start(ctx context.Context) {
	t.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(t.log.With(logx.String("comp", "inbox.telegram"))),
		rtsup.WithCancelOnError(false),
	)
	t.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		t.bot.Stop()
	})
	t.sup.GoRestart("telebot.poll", func(c context.Context) error {
		t.log.Info("polling started")
		t.bot.Start()
		t.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

// Stop halts polling, bounded by ctx.
func (t *Telegram) Stop(ctx context.Context) {
	if t.sup == nil {
		return
	}
	t.sup.Cancel()
	go t.bot.Stop()
	if err := t.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Debug("telegram stopped with error", logx.Err(err))
	}
	t.sup = nil
}
