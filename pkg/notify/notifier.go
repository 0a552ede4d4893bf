// Package notify posts best-effort operator alerts to Slack: a credential
// disabled, or a crawl run that ended on an error. Failures to post
// are logged, never propagated — notification is never on the critical
// path of credential or job handling.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// postTimeout bounds how long a single Slack API call is allowed to block
// the caller.
const postTimeout = 5 * time.Second

// Notifier posts operator alerts to a single Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken or channel is empty, the
// notifier is disabled and every post is a logged no-op.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a bot token and a channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyCredentialDisabled posts that credential id was permanently disabled
// and why (spec.md §4.3 "Disable: sticky").
func (n *Notifier) NotifyCredentialDisabled(credentialID int64, reason string) {
	n.post(fmt.Sprintf(":no_entry: credential %d disabled: %s", credentialID, reason))
}

// NotifyJobFailed posts that a crawl run of taskID ended on an error.
func (n *Notifier) NotifyJobFailed(taskID string, reason string) {
	n.post(fmt.Sprintf(":warning: job %s failed: %s", taskID, reason))
}

func (n *Notifier) post(text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping post", "text", text)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn("posting to slack", "error", err)
	}
}
