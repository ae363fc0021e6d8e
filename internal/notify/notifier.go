// Package notify is the notification sink. Sends are fire-and-forget:
// failures are logged and swallowed so a notification problem never blocks
// a repair outcome.
package notify

import (
	"log"

	"github.com/slack-go/slack"
	"gorm.io/gorm"

	"github.com/planora/planora/internal/database"
)

// Notification kinds emitted by the repair saga
const (
	KindConflictDetected = "conflict_detected"
	KindRepairSuggested  = "repair_suggested"
	KindRepairApplied    = "repair_applied"
	KindRepairRolledBack = "repair_rolled_back"
	KindRevalidation     = "revalidation"
)

// Notifier persists notifications and optionally mirrors them to Slack
type Notifier struct {
	db      *gorm.DB
	slack   *slack.Client
	channel string
}

// NewNotifier creates a notifier without a Slack mirror
func NewNotifier(db *gorm.DB) *Notifier {
	return &Notifier{db: db}
}

// NewSlackNotifier creates a notifier that mirrors messages to a Slack channel
func NewSlackNotifier(db *gorm.DB, client *slack.Client, channel string) *Notifier {
	return &Notifier{db: db, slack: client, channel: channel}
}

// Send persists one notification for the user. Errors are logged, never
// returned.
func (n *Notifier) Send(userID uint, kind, title, message string, data database.JSONB) {
	notification := &database.Notification{
		UserID:  userID,
		Kind:    kind,
		Title:   title,
		Message: message,
		Data:    data,
	}
	if err := n.db.Create(notification).Error; err != nil {
		log.Printf("Failed to persist notification for user %d: %v", userID, err)
	}

	if n.slack != nil && n.channel != "" {
		_, _, err := n.slack.PostMessage(n.channel,
			slack.MsgOptionText("*"+title+"*\n"+message, false))
		if err != nil {
			log.Printf("Failed to mirror notification to Slack: %v", err)
		}
	}
}
