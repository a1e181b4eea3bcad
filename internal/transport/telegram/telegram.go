package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"bulkbot/internal/eventbus"
	rtsup "bulkbot/internal/runtime/supervisor"
	"bulkbot/internal/transport"
	logx "bulkbot/pkg/logx"
)

const (
	textLimit    = 4096
	captionLimit = 1024
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Channel sends through a Telegram bot session. Destinations are numeric chat
// ids; a recipient learns theirs by sending /start to the bot.
type Channel struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	ready atomic.Bool
	bot   atomic.Pointer[tele.Bot]

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{cfg: cfg, log: log, bus: bus}, nil
}

func (c *Channel) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	c.sup = rtsup.New(ctx,
		rtsup.WithLogger(c.log.With(logx.String("comp", "telegram.channel"))),
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup

	sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		if b := c.bot.Load(); b != nil {
			b.Stop()
		}
	})

	// Connecting calls getMe; a failure here (bad network, revoked token)
	// is retried with backoff while the channel reports not ready.
	sup.GoRestart("telebot.session", c.session,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (c *Channel) session(ctx context.Context) error {
	b, err := tele.NewBot(tele.Settings{
		Token:  c.cfg.Token,
		Poller: &tele.LongPoller{Timeout: c.cfg.PollTimeout},
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	b.Handle("/start", func(tc tele.Context) error {
		return tc.Send(fmt.Sprintf("Your chat id is %d. Use it as the phone field to receive messages here.", tc.Chat().ID))
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.bot.Store(b)
	c.ready.Store(true)
	c.log.Info("telegram session ready", logx.String("username", b.Me.Username), logx.Int64("id", b.Me.ID))
	c.publish(transport.EventReady, "")

	b.Start() // blocks until Stop

	c.ready.Store(false)
	c.bot.Store(nil)
	c.publish(transport.EventStopped, "poller stopped")
	c.log.Info("telegram polling stopped")
	return nil
}

func (c *Channel) publish(typ, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(transport.LifecycleTopic, eventbus.Event{
		Type: typ,
		Data: transport.Lifecycle{Driver: "telegram", Reason: reason},
	})
}

func (c *Channel) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	wasRunning := c.running
	c.running = false
	c.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	if b := c.bot.Load(); b != nil {
		go b.Stop()
	}

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			c.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		c.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	c.ready.Store(false)
	return nil
}

func (c *Channel) Ready() bool { return c.ready.Load() && c.bot.Load() != nil }

func (c *Channel) Info() transport.Info {
	info := transport.Info{Driver: "telegram"}
	if b := c.bot.Load(); b != nil && b.Me != nil {
		info.ID = b.Me.ID
		info.Username = b.Me.Username
		info.Name = strings.TrimSpace(b.Me.FirstName + " " + b.Me.LastName)
	}
	return info
}

func (c *Channel) SendText(ctx context.Context, to string, text string) error {
	b, chat, err := c.target(to)
	if err != nil {
		return err
	}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.Send(chat, chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendMedia picks the Telegram kind from the MIME type. A caption longer
// than Telegram allows is sent as a follow-up text message instead.
func (c *Channel) SendMedia(ctx context.Context, to string, m transport.Media, caption string) error {
	b, chat, err := c.target(to)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	follow := ""
	if len([]rune(caption)) > captionLimit {
		follow, caption = caption, ""
	}
	if _, err := b.Send(chat, mediaFor(m, caption)); err != nil {
		return err
	}
	if follow != "" {
		return c.SendText(ctx, to, follow)
	}
	return nil
}

func (c *Channel) target(to string) (*tele.Bot, *tele.Chat, error) {
	b := c.bot.Load()
	if b == nil || !c.ready.Load() {
		return nil, nil, transport.ErrNotReady
	}
	id, err := ChatID(to)
	if err != nil {
		return nil, nil, err
	}
	return b, &tele.Chat{ID: id}, nil
}

// ChatID parses a destination into a Telegram chat id.
func ChatID(to string) (int64, error) {
	s := strings.TrimSpace(to)
	if s == "" {
		return 0, errors.New("empty destination")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("destination %q is not a chat id", to)
	}
	return id, nil
}

func mediaFor(m transport.Media, caption string) tele.Sendable {
	file := tele.FromReader(bytes.NewReader(m.Data))
	switch {
	case strings.HasPrefix(m.MIME, "image/") && m.MIME != "image/gif":
		return &tele.Photo{File: file, Caption: caption}
	case strings.HasPrefix(m.MIME, "video/"):
		return &tele.Video{File: file, Caption: caption, MIME: m.MIME, FileName: m.FileName}
	case strings.HasPrefix(m.MIME, "audio/"):
		return &tele.Audio{File: file, Caption: caption, MIME: m.MIME, FileName: m.FileName}
	default:
		return &tele.Document{File: file, Caption: caption, MIME: m.MIME, FileName: m.FileName}
	}
}

// splitText splits long messages, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
