// Package notification fans operator notifications out to the configured
// providers. Sends are fire-and-forget: delivery failures are logged and
// never affect trading decisions.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"upbit-trading-bot/internal/executor"
	"upbit-trading-bot/internal/strategy"
)

// Kind classifies a notification for provider formatting.
type Kind string

const (
	KindWarning Kind = "warning"
	KindError   Kind = "error"
	KindTrade   Kind = "trade"
	KindSystem  Kind = "system"
)

// Message is one notification to deliver.
type Message struct {
	Kind      Kind
	Title     string
	Body      string
	Market    string
	Timestamp time.Time
}

// Provider delivers messages through one channel.
type Provider interface {
	Send(msg *Message) error
	Name() string
	Enabled() bool
}

// Manager fans messages out to all enabled providers asynchronously.
type Manager struct {
	providers []Provider
}

// NewManager creates a manager over the given providers.
func NewManager(providers ...Provider) *Manager {
	return &Manager{providers: providers}
}

func (m *Manager) dispatch(msg *Message) {
	msg.Timestamp = time.Now()
	for _, p := range m.providers {
		if !p.Enabled() {
			continue
		}
		go func(p Provider) {
			if err := p.Send(msg); err != nil {
				log.Warn().Err(err).Str("provider", p.Name()).Msg("notification send failed")
			}
		}(p)
	}
}

// SendWarning delivers a throttled risk warning for one market.
func (m *Manager) SendWarning(market, message string) {
	m.dispatch(&Message{
		Kind:   KindWarning,
		Title:  fmt.Sprintf("Warning: %s", market),
		Body:   message,
		Market: market,
	})
}

// SendError delivers an error for one market.
func (m *Manager) SendError(market, message string) {
	m.dispatch(&Message{
		Kind:   KindError,
		Title:  fmt.Sprintf("Error: %s", market),
		Body:   message,
		Market: market,
	})
}

// SendTradeNotification reports an executed signal.
func (m *Manager) SendTradeNotification(sig strategy.Signal, result *executor.Result) {
	body := fmt.Sprintf("%s %s via %s\nprice %s, quantity %s, fill %.1f%%, slippage %.2f%%\n%s",
		sig.Action, sig.Market, sig.Strategy,
		result.Price, result.ExecutedQuantity, result.FillRatePercent,
		result.SlippagePercent, sig.Reason)
	m.dispatch(&Message{
		Kind:   KindTrade,
		Title:  fmt.Sprintf("Trade: %s %s", sig.Action, sig.Market),
		Body:   body,
		Market: sig.Market,
	})
}

// SendSystemNotification reports a system-level event.
func (m *Manager) SendSystemNotification(title, body string) {
	m.dispatch(&Message{Kind: KindSystem, Title: title, Body: body})
}

// ===== TELEGRAM =====

// TelegramConfig holds Telegram bot credentials.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// Telegram delivers notifications through the Telegram bot API.
type Telegram struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegram creates a Telegram provider.
func NewTelegram(cfg TelegramConfig) *Telegram {
	return &Telegram{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Name() string  { return "telegram" }
func (t *Telegram) Enabled() bool { return t.enabled }

func (t *Telegram) Send(msg *Message) error {
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", msg.Title, msg.Body),
		"parse_mode": "Markdown",
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(raw))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// ===== DISCORD =====

// DiscordConfig holds the Discord webhook settings.
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// Discord delivers notifications through a Discord webhook embed.
type Discord struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscord creates a Discord provider.
func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *Discord) Name() string  { return "discord" }
func (d *Discord) Enabled() bool { return d.enabled }

func (d *Discord) Send(msg *Message) error {
	color := 0x2ECC71
	switch msg.Kind {
	case KindWarning:
		color = 0xF1C40F
	case KindError:
		color = 0xE74C3C
	}

	embed := map[string]interface{}{
		"title":       msg.Title,
		"description": msg.Body,
		"color":       color,
		"timestamp":   msg.Timestamp.Format(time.RFC3339),
	}
	if msg.Market != "" {
		embed["fields"] = []map[string]interface{}{
			{"name": "Market", "value": msg.Market, "inline": true},
		}
	}

	raw, err := json.Marshal(map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(raw))
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
