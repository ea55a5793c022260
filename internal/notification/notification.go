package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"grid-trading-bot/config"
	"grid-trading-bot/internal/logging"
)

// Type classifies a notification.
type Type string

const (
	NotifyFill    Type = "fill"
	NotifyRisk    Type = "risk"
	NotifyWorker  Type = "worker"
	NotifyCapital Type = "capital"
	NotifyError   Type = "error"
	NotifyInfo    Type = "info"
)

// Notification is one outbound alert.
type Notification struct {
	Type      Type
	Title     string
	Message   string
	Symbol    string
	Price     float64
	PnL       float64
	Timestamp time.Time
}

// Notifier delivers notifications through one channel.
type Notifier interface {
	Send(n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider.
type Manager struct {
	notifiers []Notifier
	log       zerolog.Logger
}

// NewManager builds a manager with providers from config. Providers with
// missing credentials stay registered but disabled.
func NewManager(cfg config.NotificationConfig) *Manager {
	m := &Manager{log: logging.For("notification")}
	if !cfg.Enabled {
		return m
	}
	m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	m.AddNotifier(NewDiscordNotifier(cfg.Discord))
	return m
}

// AddNotifier registers a provider.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled providers. Delivery failures are logged,
// never propagated to trading code.
func (m *Manager) Send(n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		if err := p.Send(n); err != nil {
			m.log.Warn().Err(err).Str("provider", p.Name()).Msg("notification delivery failed")
		}
	}
}

// SendFill announces a grid fill.
func (m *Manager) SendFill(symbol, side string, price, quantity, realizedPnL float64) {
	title := fmt.Sprintf("Grid fill: %s", symbol)
	msg := fmt.Sprintf("%s %.8f @ %.4f", side, quantity, price)
	if realizedPnL != 0 {
		msg += fmt.Sprintf("\nRealized: %.4f", realizedPnL)
	}
	m.Send(&Notification{Type: NotifyFill, Title: title, Message: msg, Symbol: symbol, Price: price, PnL: realizedPnL})
}

// SendRiskTrigger announces a stop loss, take profit or trailing stop firing.
func (m *Manager) SendRiskTrigger(symbol, trigger string, price, pnl float64) {
	m.Send(&Notification{
		Type:    NotifyRisk,
		Title:   fmt.Sprintf("Risk trigger: %s", symbol),
		Message: fmt.Sprintf("%s fired @ %.4f\nP&L: %.2f%%", trigger, price, pnl),
		Symbol:  symbol,
		Price:   price,
		PnL:     pnl,
	})
}

// SendWorkerEvent announces a worker lifecycle change.
func (m *Manager) SendWorkerEvent(event, symbol, reason string) {
	m.Send(&Notification{
		Type:    NotifyWorker,
		Title:   fmt.Sprintf("%s: %s", event, symbol),
		Message: reason,
		Symbol:  symbol,
	})
}

// SendError announces a system error.
func (m *Manager) SendError(source, message string) {
	m.Send(&Notification{
		Type:    NotifyError,
		Title:   fmt.Sprintf("Error in %s", source),
		Message: message,
	})
}

// Telegram delivery.

type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string    { return "telegram" }
func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(n *Notification) error {
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// Discord webhook delivery.

type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string    { return "discord" }
func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

func (d *DiscordNotifier) Send(n *Notification) error {
	color := 0x2ECC71
	if n.Type == NotifyError || n.PnL < 0 {
		color = 0xE74C3C
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}
	if n.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": n.Symbol, "inline": true},
		}
		if n.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", n.Price), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	body, err := json.Marshal(map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("sending discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
