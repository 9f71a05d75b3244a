package notification

import (
	"encoding/json"
	"fmt"
	"os"
)

// SMTPConfig holds connection parameters for the SMTP provider.
type SMTPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	FromAddr   string `json:"from_address"`
	ToAddrs    string `json:"to_addresses"`
	Encryption string `json:"encryption"` // "none", "starttls", "ssl_tls"
}

// SessionPreferences are per-event delivery toggles. A nil toggle means
// enabled.
type SessionPreferences struct {
	OnTurnCompleted       *bool `json:"on_turn_completed,omitempty"`
	OnTurnFailed          *bool `json:"on_turn_failed,omitempty"`
	OnPermissionRequested *bool `json:"on_permission_requested,omitempty"`
}

// IsOnTurnCompletedEnabled reports whether turn-completed mail is wanted.
func (p SessionPreferences) IsOnTurnCompletedEnabled() bool {
	return p.OnTurnCompleted == nil || *p.OnTurnCompleted
}

// IsOnTurnFailedEnabled reports whether turn-failed mail is wanted.
func (p SessionPreferences) IsOnTurnFailedEnabled() bool {
	return p.OnTurnFailed == nil || *p.OnTurnFailed
}

// IsOnPermissionRequestedEnabled reports whether permission-prompt mail is
// wanted.
func (p SessionPreferences) IsOnPermissionRequestedEnabled() bool {
	return p.OnPermissionRequested == nil || *p.OnPermissionRequested
}

// Preferences groups per-event delivery toggles.
type Preferences struct {
	Sessions SessionPreferences `json:"sessions"`
}

// NotificationSettings represents the notification configuration.
// The name is intentional: it provides clarity when referenced as notification.NotificationSettings.
//
//nolint:revive
type NotificationSettings struct {
	Enabled     bool        `json:"enabled"`
	Provider    SMTPConfig  `json:"provider"`
	Preferences Preferences `json:"preferences"`
}

// FileLoader returns a SettingsLoader that reads settings from a JSON file on
// every call so edits take effect without a restart. When the file does not
// exist the fallback settings apply; a nil fallback means disabled.
func FileLoader(path string, fallback *NotificationSettings) SettingsLoader {
	return func() (*NotificationSettings, error) {
		data, err := os.ReadFile(path) //nolint:gosec // path comes from our own data dir
		if err != nil {
			if os.IsNotExist(err) {
				if fallback != nil {
					return fallback, nil
				}
				return &NotificationSettings{}, nil
			}
			return nil, fmt.Errorf("reading notification settings: %w", err)
		}
		var s NotificationSettings
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parsing notification settings: %w", err)
		}
		return &s, nil
	}
}
