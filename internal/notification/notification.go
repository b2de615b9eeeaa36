package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyDecision    NotificationType = "decision"
	NotifyTradeOpen   NotificationType = "trade_open"
	NotifyTradeClose  NotificationType = "trade_close"
	NotifyBreakerTrip NotificationType = "breaker_trip"
	NotifyRankChange  NotificationType = "rank_change"
	NotifyError       NotificationType = "error"
	NotifyInfo        NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	UserID    string
	Title     string
	Message   string
	Symbol    string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers. Send failures are
// returned to the caller for logging but callers in the trading flow
// must treat them as non-fatal.
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if m == nil || !m.enabled {
		return nil
	}

	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// Notify sends a simple typed notification for a user
func (m *Manager) Notify(userID string, typ NotificationType, title, message string) error {
	return m.Send(&Notification{
		Type:    typ,
		UserID:  userID,
		Title:   title,
		Message: message,
	})
}

// SendBreakerTrip sends a circuit breaker pause notification
func (m *Manager) SendBreakerTrip(userID, reason string, pauseUntil time.Time) error {
	return m.Send(&Notification{
		Type:    NotifyBreakerTrip,
		UserID:  userID,
		Title:   "🛑 Trading Paused",
		Message: fmt.Sprintf("%s\nTrading resumes at %s", reason, pauseUntil.UTC().Format(time.RFC3339)),
		Extra: map[string]interface{}{
			"pause_until": pauseUntil,
		},
	})
}

// SendRankChange sends a trust ladder change notification
func (m *Manager) SendRankChange(userID, from, to, reason string) error {
	emoji := "⬆️"
	if to == "novice" {
		emoji = "⬇️"
	}
	return m.Send(&Notification{
		Type:    NotifyRankChange,
		UserID:  userID,
		Title:   fmt.Sprintf("%s Trust Level: %s", emoji, to),
		Message: fmt.Sprintf("Changed from %s to %s.\n%s", from, to, reason),
	})
}

// SendTradeExecuted sends a trade executed notification
func (m *Manager) SendTradeExecuted(userID, symbol, side string, price, quantity float64) error {
	return m.Send(&Notification{
		Type:    NotifyTradeOpen,
		UserID:  userID,
		Title:   fmt.Sprintf("📈 Trade Executed: %s", symbol),
		Message: fmt.Sprintf("%s %s\nPrice: %.4f\nQuantity: %.8f", side, symbol, price, quantity),
		Symbol:  symbol,
	})
}

// SendError sends an error notification
func (m *Manager) SendError(userID, title, message string) error {
	return m.Send(&Notification{
		Type:    NotifyError,
		UserID:  userID,
		Title:   fmt.Sprintf("⚠️ %s", title),
		Message: message,
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if notification.Type == NotifyError || notification.Type == NotifyBreakerTrip {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.UTC().Format(time.RFC3339),
	}

	payload := map[string]interface{}{
		"embeds": []interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
