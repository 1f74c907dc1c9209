// Package notify sends chat notifications for alerts that are escalated
// or of high/critical severity (§4.9 step 2), separate from the
// always-on email dispatch in internal/mailer. Grounded on the
// same streaming.Publisher shape the mailer package follows, backed here
// by slack-go/slack rather than SMTP.
package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/slack-go/slack"
)

// Notifier is the escalation notification port.
type Notifier interface {
	NotifyEscalation(ctx context.Context, alertType, severity, message string) error
}

// LogNotifier logs instead of notifying — the default when no Slack
// webhook is configured.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier() *LogNotifier { return &LogNotifier{logger: log.Default()} }

func (n *LogNotifier) NotifyEscalation(_ context.Context, alertType, severity, message string) error {
	n.logger.Printf("[NOTIFY] escalation type=%s severity=%s: %s", alertType, severity, message)
	return nil
}

// SlackNotifier posts escalations to a configured channel via an
// incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
}

func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, channel: channel}
}

func (n *SlackNotifier) NotifyEscalation(_ context.Context, alertType, severity, message string) error {
	attachment := slack.Attachment{
		Color: slackColorForSeverity(severity),
		Title: fmt.Sprintf("Escalated alert: %s", alertType),
		Text:  message,
	}
	payload := &slack.WebhookMessage{
		Channel:     n.channel,
		Attachments: []slack.Attachment{attachment},
	}
	return slack.PostWebhook(n.webhookURL, payload)
}

func slackColorForSeverity(severity string) string {
	switch severity {
	case "critical", "high":
		return "danger"
	case "medium":
		return "warning"
	default:
		return "good"
	}
}
