package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/parley-sh/parley/internal/storage"
)

// SettingsLoader is a function that loads the current notification settings.
// It is called on every event so that configuration changes take effect
// without requiring a restart.
type SettingsLoader func() (*NotificationSettings, error)

// NotificationHandler receives session lifecycle events and delivers
// notifications according to the current notification settings.
// The name is intentional: it provides clarity when referenced as notification.NotificationHandler.
//
//nolint:revive
type NotificationHandler struct {
	settingsLoader SettingsLoader
	store          storage.NotificationStore
	logger         *slog.Logger

	// newProvider is replaceable in tests.
	newProvider func(SMTPConfig) Provider
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(loader SettingsLoader, store storage.NotificationStore, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		settingsLoader: loader,
		store:          store,
		logger:         logger,
		newProvider:    func(cfg SMTPConfig) Provider { return NewSMTPProvider(cfg) },
	}
}

// humanSubject returns a readable email subject for a given event type.
// For well-known events a friendly description is used; unknown types fall
// back to the raw event type string.
func humanSubject(eventType string) string {
	switch eventType {
	case "session.turn_completed":
		return "Agent Turn Completed"
	case "session.turn_failed":
		return "Agent Turn Failed"
	case "session.permission_requested":
		return "Agent Awaiting Permission"
	}
	return eventType
}

// shouldSendForEvent returns false when the user's preferences explicitly
// disable notifications for the given event type.
func shouldSendForEvent(eventType string, settings *NotificationSettings) bool {
	prefs := settings.Preferences.Sessions
	switch eventType {
	case "session.turn_completed":
		return prefs.IsOnTurnCompletedEnabled()
	case "session.turn_failed":
		return prefs.IsOnTurnFailedEnabled()
	case "session.permission_requested":
		return prefs.IsOnPermissionRequestedEnabled()
	}
	return true
}

// Handle processes an event: loads settings, builds the message, calls the
// SMTP provider, and logs the outcome.
func (h *NotificationHandler) Handle(eventType string, payload map[string]string) {
	settings, err := h.settingsLoader()
	if err != nil {
		h.logger.Error("loading notification settings", "error", err)
		return
	}
	if !settings.Enabled {
		return
	}
	if !shouldSendForEvent(eventType, settings) {
		return
	}

	provider := h.newProvider(settings.Provider)
	subject := buildSubject(humanSubject(eventType))

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	bodyParts := make([]string, 0, len(keys))
	for _, k := range keys {
		bodyParts = append(bodyParts, fmt.Sprintf("%s: %s", k, payload[k]))
	}
	body := strings.Join(bodyParts, "\n")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sendErr := provider.Send(ctx, Message{Subject: subject, Body: body})

	entry := storage.NotificationLogEntry{
		EventType: eventType,
		Provider:  provider.Name(),
		Subject:   subject,
		Status:    "sent",
		CreatedAt: time.Now(),
	}
	if sendErr != nil {
		entry.Status = "failed"
		entry.ErrorMsg = sendErr.Error()
		h.logger.Error("sending notification", "event_type", eventType, "error", sendErr)
	}

	if logErr := h.store.LogNotification(context.Background(), entry); logErr != nil {
		h.logger.Error("logging notification delivery", "event_type", eventType, "error", logErr)
	}
}
