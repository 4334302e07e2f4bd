// Package telegram provides Telegram notification services.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/rs/zerolog"
)

// maxIssues caps how many failed hops are listed in one message.
const maxIssues = 10

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, report models.RunReport) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendNotification sends the summary of a shutdown run via Telegram.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, report models.RunReport) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Str("outcome", string(report.Outcome)).
		Msg("sending Telegram notification")

	reqBody := sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      s.formatMessage(report),
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func (s *Impl) formatMessage(report models.RunReport) string {
	var b bytes.Buffer

	switch report.Outcome {
	case models.OutcomeCompleted:
		b.WriteString("✅ <b>Fleet Shutdown Completed</b>\n\n")
	case models.OutcomeCompletedWithWarnings:
		b.WriteString("⚠️ <b>Fleet Shutdown Completed With Warnings</b>\n\n")
	default:
		b.WriteString("❌ <b>Fleet Shutdown Aborted</b>\n\n")
	}

	b.WriteString(fmt.Sprintf("🆔 <b>Run:</b> <code>%s</code>\n", escapeHTML(report.RunID)))
	if report.DryRun {
		b.WriteString("🧪 <b>Dry run</b>, no power-off commands were sent\n")
	}
	b.WriteString(fmt.Sprintf("⏰ <b>Started:</b> %s\n", report.StartedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", report.Duration.Round(time.Second)))

	b.WriteString("\n<b>📊 Hosts:</b>\n")
	for _, row := range []struct {
		label  string
		status models.HostStatus
	}{
		{"Down", models.StatusDown},
		{"Shutdown issued", models.StatusShutdownIssued},
		{"Dry run", models.StatusDryRun},
		{"Timed out (tolerated)", models.StatusTimedOutTolerated},
		{"Timed out", models.StatusTimedOut},
		{"Unreachable", models.StatusUnreachable},
		{"Skipped", models.StatusSkipped},
	} {
		names := report.HostsWithStatus(row.status)
		if len(names) == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("  • %s: %d (%s)\n", row.label, len(names), escapeHTML(joinNames(names))))
	}

	if len(report.Issues) > 0 {
		b.WriteString("\n<b>🔌 Connection Issues:</b>\n")
		for i, issue := range report.Issues {
			if i == maxIssues {
				b.WriteString(fmt.Sprintf("  • … and %d more\n", len(report.Issues)-maxIssues))
				break
			}
			via := ""
			if issue.Via != "" {
				via = " via " + issue.Via
			}
			b.WriteString(fmt.Sprintf("  • %s%s: %s (%s)\n",
				escapeHTML(issue.Target), escapeHTML(via), escapeHTML(issue.Reason), escapeHTML(issue.Hint)))
		}
	}

	if len(report.Warnings) > 0 {
		b.WriteString("\n<b>⚠️ Warnings:</b>\n")
		for _, w := range report.Warnings {
			b.WriteString(fmt.Sprintf("  • %s\n", escapeHTML(w)))
		}
	}

	if report.Err != nil {
		b.WriteString("\n<b>⚠️ Error Details:</b>\n")
		b.WriteString(fmt.Sprintf("  • Error: <code>%s</code>\n", escapeHTML(report.Err.Error())))
	}

	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func joinNames(names []string) string {
	var b bytes.Buffer
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(n)
	}
	return b.String()
}
