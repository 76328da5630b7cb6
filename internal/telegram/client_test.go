package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/forkmeter/forkrisk/internal/models"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	// The chat ID is parsed before the bot token is checked against the API.
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

type fakeBot struct {
	failures int
	sent     []tgbotapi.MessageConfig
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.failures > 0 {
		f.failures--
		return tgbotapi.Message{}, errors.New("bad gateway")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func newTestClient(bot *fakeBot, maxRetries int) (*Client, *[]time.Duration) {
	c := newClient(bot, 42, maxRetries, time.Second)
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }
	return c, &slept
}

func TestSendRetriesWithLinearBackoff(t *testing.T) {
	bot := &fakeBot{failures: 2}
	c, slept := newTestClient(bot, 3)

	if err := c.SendError(errors.New("all endpoints unavailable")); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bot.sent))
	}
	if got := *slept; len(got) != 2 || got[0] != time.Second || got[1] != 2*time.Second {
		t.Errorf("sleeps = %v, want [1s 2s]", got)
	}
	msg := bot.sent[0]
	if msg.ChatID != 42 || msg.ParseMode != "MarkdownV2" {
		t.Errorf("unexpected message config: chat %d, mode %q", msg.ChatID, msg.ParseMode)
	}
}

func TestSendGivesUp(t *testing.T) {
	bot := &fakeBot{failures: 5}
	c, slept := newTestClient(bot, 3)

	err := c.SendRecovery(&models.ForkRiskResult{RiskLevel: models.RiskLow, RiskPercentage: 2})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "failed after 3 retries") {
		t.Errorf("unexpected error: %v", err)
	}
	if len(*slept) != 2 {
		t.Errorf("slept %d times, want 2", len(*slept))
	}
}

func TestFormatRiskChange(t *testing.T) {
	result := &models.ForkRiskResult{
		BlockNumber:    20_000_000,
		RiskLevel:      models.RiskModerate,
		RiskPercentage: 18.18,
		Metrics: models.Metrics{
			LargestDisputeBond:   50000,
			ForkThresholdPercent: 18.18,
			ActiveDisputes:       3,
			DisputeDetails: []models.DisputeDetail{
				{MarketID: "0x1234567890", Title: "Market 0x12345678...", DisputeBondSize: 50000, DisputeRound: 3},
			},
		},
	}

	msg := formatRiskChange(models.RiskLow, result)

	for _, want := range []string{
		"Fork risk: low → moderate",
		"18\\.18%",
		"50,000 REP",
		"Active disputes: 3",
		"20,000,000",
		"1\\. Market 0x12345678\\.\\.\\.: 50,000 REP, round 3",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}
