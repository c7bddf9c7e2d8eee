package offline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offsync/internal/events"
)

// Severity of a notice
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier shows a notice to the user. Calls are fire-and-forget.
type Notifier interface {
	Show(title, body string, severity Severity)
}

// LogNotifier writes notices to the log
type LogNotifier struct{}

func (LogNotifier) Show(title, body string, severity Severity) {
	entry := logrus.WithFields(logrus.Fields{"title": title, "severity": severity})
	switch severity {
	case SeverityCritical:
		entry.Error(body)
	case SeverityWarning:
		entry.Warn(body)
	default:
		entry.Info(body)
	}
}

func notify(ctx context.Context, sub *events.Subscription, n Notifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			title, body, severity, show := notice(e)
			if show {
				go n.Show(title, body, severity)
			}
		}
	}
}

// notice turns an event into a user facing message
func notice(e events.Event) (string, string, Severity, bool) {
	switch e.Type {
	case events.SyncCompleted:
		if e.Stats == nil || e.Stats.Pushed == 0 {
			return "", "", "", false
		}
		return "Changes synced", fmt.Sprintf("%d local changes reached the server", e.Stats.Pushed), SeverityInfo, true
	case events.ConflictDetected:
		return "Sync conflict", fmt.Sprintf("%s/%s was changed on both sides", e.EntityType, e.EntityID), SeverityWarning, true
	case events.SyncFailed:
		if e.OperationID == "" {
			// cycle level failures are retried by the coordinator
			return "", "", "", false
		}
		return "Change could not be synced", fmt.Sprintf("%s/%s: %v", e.EntityType, e.EntityID, e.Err), SeverityCritical, true
	}
	return "", "", "", false
}
