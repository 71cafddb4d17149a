package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/conductor/internal/bus"
	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

// Notifier delivers one notification somewhere outside the process.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

const sendTimeout = 10 * time.Second

// Hub fans notifications out to every configured notifier.
type Hub struct {
	notifiers []Notifier
	wg        sync.WaitGroup
}

// NewHub creates a Hub with the given notifiers.
func NewHub(notifiers ...Notifier) *Hub {
	return &Hub{notifiers: notifiers}
}

// Len returns the number of notifiers.
func (h *Hub) Len() int { return len(h.notifiers) }

// Notify sends n to all notifiers concurrently. Failures are logged.
func (h *Hub) Notify(n Notification) {
	for _, nt := range h.notifiers {
		h.wg.Add(1)
		go func(nt Notifier) {
			defer h.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := nt.Notify(ctx, n); err != nil {
				slog.Warn("notify.send_failed", "sink", nt.Name(), "dispatch", n.DispatchID, "error", err)
			}
		}(nt)
	}
}

// Wait blocks until in-flight sends finish.
func (h *Hub) Wait() { h.wg.Wait() }

// BusNotifier broadcasts notifications to gateway WebSocket clients.
type BusNotifier struct {
	pub bus.EventPublisher
}

func NewBusNotifier(pub bus.EventPublisher) *BusNotifier { return &BusNotifier{pub: pub} }

func (b *BusNotifier) Name() string { return "bus" }

func (b *BusNotifier) Notify(_ context.Context, n Notification) error {
	b.pub.Broadcast(bus.Event{Name: protocol.EventNotification, Payload: n})
	return nil
}

// TelegramNotifier posts notifications to one Telegram chat.
type TelegramNotifier struct {
	bot    *telego.Bot
	chatID int64
}

// NewTelegramNotifier creates a Telegram bot client for cfg.
func NewTelegramNotifier(cfg config.TelegramNotifyConfig) (*TelegramNotifier, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: cfg.ChatID}, nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Notify(ctx context.Context, n Notification) error {
	if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), Format(n))); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// DiscordNotifier posts notifications to one Discord channel over REST.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscordNotifier creates a Discord REST session for cfg.
func NewDiscordNotifier(cfg config.DiscordNotifyConfig) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: cfg.ChannelID}, nil
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Notify(_ context.Context, n Notification) error {
	if _, err := d.session.ChannelMessageSend(d.channelID, Format(n)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// FromConfig builds the external notifiers enabled in cfg. A sink that fails
// to initialize is logged and skipped.
func FromConfig(cfg config.NotifyConfig) []Notifier {
	var out []Notifier
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		if t, err := NewTelegramNotifier(cfg.Telegram); err != nil {
			slog.Warn("notify.telegram_init_failed", "error", err)
		} else {
			out = append(out, t)
		}
	}
	if cfg.Discord.Enabled && cfg.Discord.Token != "" {
		if d, err := NewDiscordNotifier(cfg.Discord); err != nil {
			slog.Warn("notify.discord_init_failed", "error", err)
		} else {
			out = append(out, d)
		}
	}
	return out
}
