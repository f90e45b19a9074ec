// Package telegram delivers outbound notifications through the Telegram
// bot API. It is a pure sender; no updates are polled.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"hnwatch/internal/retry"
	"hnwatch/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64
	// RatePerSec caps sends; the bot API tolerates roughly one message per
	// second per chat before flooding kicks in.
	RatePerSec float64
}

type Sink struct {
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter
	policy  retry.Policy
	log     logx.Logger
}

// New validates the token against the bot API (getMe) and returns a sink
// bound to the configured chat. A bad credential fails here, at startup.
func New(cfg Config, policy retry.Policy, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Sink{
		bot:     b,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		policy:  policy,
		log:     log,
	}, nil
}

// Deliver sends one plain-text message, retrying transient failures with
// backoff. It returns nil only after the API confirmed the send.
func (s *Sink) Deliver(ctx context.Context, message string) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		_, err := s.bot.Send(s.chat, message, &tele.SendOptions{DisableWebPagePreview: true})
		if err == nil {
			return nil
		}

		var flood tele.FloodError
		if errors.As(err, &flood) && flood.RetryAfter > 0 {
			s.log.Warn("telegram flood limit", logx.Int("retry_after_s", flood.RetryAfter))
			wait := time.Duration(flood.RetryAfter) * time.Second
			tmr := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return retry.Permanent(ctx.Err())
			case <-tmr.C:
			}
			return err
		}
		s.log.Warn("telegram send failed", logx.Err(err))
		return err
	})
}
