// Package notify provides notification services for miner events.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tos-network/tos-miner/internal/util"
)

// WebhookConfig holds webhook configuration
type WebhookConfig struct {
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	Enabled      bool   `mapstructure:"enabled"`
	MinerName    string
}

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier handles sending notifications
type Notifier struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *WebhookConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (n *Notifier) name() string {
	if n.cfg.MinerName != "" {
		return n.cfg.MinerName
	}
	return "tos-miner"
}

// NotifySolutionAccepted sends notifications when a solution is accepted
func (n *Notifier) NotifySolutionAccepted(address, challengeID, hash string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordSolutionNotification(address, challengeID, hash)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramSolutionNotification(address, challengeID, hash)
	}
}

// NotifyRestart sends notifications when the miner restarts itself
func (n *Notifier) NotifyRestart(reason string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordRestartNotification(reason)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramRestartNotification(reason)
	}
}

// NotifyRegistrationComplete sends notifications when address
// registration finishes
func (n *Notifier) NotifyRegistrationComplete(registered, total int) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordRegistrationNotification(registered, total)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramRegistrationNotification(registered, total)
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// sendDiscordSolutionNotification sends a solution accepted notification to Discord
func (n *Notifier) sendDiscordSolutionNotification(address, challengeID, hash string) {
	embed := DiscordEmbed{
		Title:       "Solution Accepted!",
		Description: fmt.Sprintf("**%s** solved a challenge", n.name()),
		Color:       0x00FF00, // Green
		Fields: []DiscordField{
			{Name: "Address", Value: truncateAddress(address), Inline: true},
			{Name: "Challenge", Value: challengeID, Inline: true},
			{Name: "Hash", Value: truncateHash(hash), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.name(),
		},
	}

	msg := DiscordMessage{
		Embeds: []DiscordEmbed{embed},
	}

	n.sendDiscordMessageWithRetry(msg)
}

// sendDiscordRestartNotification sends a restart alert to Discord
func (n *Notifier) sendDiscordRestartNotification(reason string) {
	embed := DiscordEmbed{
		Title:       "Miner Restarted",
		Description: fmt.Sprintf("**%s** performed a recovery restart", n.name()),
		Color:       0xFFA500, // Orange
		Fields: []DiscordField{
			{Name: "Reason", Value: reason, Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.name(),
		},
	}

	msg := DiscordMessage{
		Embeds: []DiscordEmbed{embed},
	}

	n.sendDiscordMessageWithRetry(msg)
}

// sendDiscordRegistrationNotification sends a registration summary to Discord
func (n *Notifier) sendDiscordRegistrationNotification(registered, total int) {
	embed := DiscordEmbed{
		Title:       "Registration Complete",
		Description: fmt.Sprintf("**%s** finished address registration", n.name()),
		Color:       0x0099FF, // Blue
		Fields: []DiscordField{
			{Name: "Registered", Value: fmt.Sprintf("%d", registered), Inline: true},
			{Name: "Total", Value: fmt.Sprintf("%d", total), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.name(),
		},
	}

	msg := DiscordMessage{
		Embeds: []DiscordEmbed{embed},
	}

	n.sendDiscordMessageWithRetry(msg)
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s, 8s
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		// Rate limited - wait longer
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendTelegramSolutionNotification sends a solution accepted notification to Telegram
func (n *Notifier) sendTelegramSolutionNotification(address, challengeID, hash string) {
	text := fmt.Sprintf(
		"*Solution Accepted!*\n\n"+
			"Address: `%s`\n"+
			"Challenge: `%s`\n"+
			"Hash: `%s`",
		truncateAddress(address), challengeID, truncateHash(hash),
	)

	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramRestartNotification sends a restart alert to Telegram
func (n *Notifier) sendTelegramRestartNotification(reason string) {
	text := fmt.Sprintf(
		"*Miner Restarted*\n\n"+
			"Reason: `%s`",
		reason,
	)

	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramRegistrationNotification sends a registration summary to Telegram
func (n *Notifier) sendTelegramRegistrationNotification(registered, total int) {
	text := fmt.Sprintf(
		"*Registration Complete*\n\n"+
			"Registered: `%d/%d`",
		registered, total,
	)

	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		// Rate limited
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// truncateAddress returns a shortened address for display
func truncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
