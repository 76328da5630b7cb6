// Package telegram sends fork-risk alerts via the Telegram Bot API.
package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/forkmeter/forkrisk/internal/models"
)

// sender is the part of *tgbotapi.BotAPI the client uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	sleep          func(time.Duration)
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		sleep:          time.Sleep,
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < c.maxRetries-1 {
			c.sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a run failure notification.
// Call this only on the first failure of a consecutive sequence.
func (c *Client) SendError(runErr error) error {
	text := fmt.Sprintf("⚠️ *Fork risk run failed*\n`%s`", escapeMarkdownV2(runErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after failed runs.
func (c *Client) SendRecovery(result *models.ForkRiskResult) error {
	text := fmt.Sprintf("✅ *Fork risk run recovered*\nRisk level: *%s* \\(%s\\)",
		escapeMarkdownV2(string(result.RiskLevel)),
		escapeMarkdownV2(fmt.Sprintf("%.2f%%", result.RiskPercentage)))
	return c.sendMarkdownV2(text)
}

// SendRiskChange announces a risk level transition.
func (c *Client) SendRiskChange(previous models.RiskLevel, result *models.ForkRiskResult) error {
	return c.sendMarkdownV2(formatRiskChange(previous, result))
}

var levelEmoji = map[models.RiskLevel]string{
	models.RiskNone:     "⚪",
	models.RiskLow:      "🟢",
	models.RiskModerate: "🟡",
	models.RiskHigh:     "🟠",
	models.RiskCritical: "🔴",
	models.RiskUnknown:  "❔",
}

// formatRiskChange formats a risk transition into a Telegram MarkdownV2 message.
func formatRiskChange(previous models.RiskLevel, result *models.ForkRiskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *Fork risk: %s → %s*\n\n",
		levelEmoji[result.RiskLevel],
		escapeMarkdownV2(string(previous)),
		escapeMarkdownV2(string(result.RiskLevel)))

	fmt.Fprintf(&b, "Threshold reached: *%s*\n", escapeMarkdownV2(fmt.Sprintf("%.2f%%", result.Metrics.ForkThresholdPercent)))
	fmt.Fprintf(&b, "Largest bond: %s REP\n", escapeMarkdownV2(humanize.CommafWithDigits(result.Metrics.LargestDisputeBond, 2)))
	fmt.Fprintf(&b, "Active disputes: %d\n", result.Metrics.ActiveDisputes)
	if result.BlockNumber > 0 {
		fmt.Fprintf(&b, "Block: %s\n", escapeMarkdownV2(humanize.Comma(int64(result.BlockNumber))))
	}

	if len(result.Metrics.DisputeDetails) > 0 {
		b.WriteString("\n")
		for i, d := range result.Metrics.DisputeDetails {
			fmt.Fprintf(&b, "%d\\. %s: %s REP, round %d\n",
				i+1,
				escapeMarkdownV2(d.Title),
				escapeMarkdownV2(humanize.CommafWithDigits(d.DisputeBondSize, 2)),
				d.DisputeRound)
		}
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
