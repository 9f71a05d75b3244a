package notification

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-sh/parley/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- stubs ---

type stubStore struct {
	entries []storage.NotificationLogEntry
	err     error
}

func (s *stubStore) LogNotification(_ context.Context, entry storage.NotificationLogEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubStore) ListNotifications(_ context.Context, _ int) ([]storage.NotificationLogEntry, error) {
	return s.entries, nil
}

type stubProvider struct {
	sent []Message
	err  error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Send(_ context.Context, msg Message) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

func newStubHandler(loader SettingsLoader, store storage.NotificationStore, provider Provider) *NotificationHandler {
	h := NewNotificationHandler(loader, store, testLogger())
	h.newProvider = func(SMTPConfig) Provider { return provider }
	return h
}

func enabledSettings() *NotificationSettings {
	return &NotificationSettings{
		Enabled:  true,
		Provider: SMTPConfig{Host: "localhost", Port: 587, FromAddr: "from@example.com", ToAddrs: "to@example.com"},
	}
}

// --- tests ---

func TestHandle_NotificationsDisabled(t *testing.T) {
	store := &stubStore{}
	provider := &stubProvider{}
	h := newStubHandler(func() (*NotificationSettings, error) {
		return &NotificationSettings{Enabled: false}, nil
	}, store, provider)

	h.Handle("session.turn_completed", map[string]string{"session_id": "s1"})

	assert.Empty(t, provider.sent)
	assert.Empty(t, store.entries)
}

func TestHandle_LoaderError(t *testing.T) {
	store := &stubStore{}
	provider := &stubProvider{}
	h := newStubHandler(func() (*NotificationSettings, error) {
		return nil, errors.New("load failure")
	}, store, provider)

	h.Handle("session.turn_completed", map[string]string{})
	assert.Empty(t, provider.sent)
	assert.Empty(t, store.entries)
}

func TestHandle_SendsAndLogs(t *testing.T) {
	store := &stubStore{}
	provider := &stubProvider{}
	h := newStubHandler(func() (*NotificationSettings, error) {
		return enabledSettings(), nil
	}, store, provider)

	h.Handle("session.turn_completed", map[string]string{
		"session_id": "s1",
		"tokens":     "420",
	})

	require.Len(t, provider.sent, 1)
	msg := provider.sent[0]
	assert.Equal(t, SubjectPrefix+"Agent Turn Completed", msg.Subject)
	assert.Contains(t, msg.Body, "session_id: s1")
	assert.Contains(t, msg.Body, "tokens: 420")

	require.Len(t, store.entries, 1)
	assert.Equal(t, "sent", store.entries[0].Status)
	assert.Equal(t, "session.turn_completed", store.entries[0].EventType)
}

func TestHandle_SendFailureLogged(t *testing.T) {
	store := &stubStore{}
	provider := &stubProvider{err: errors.New("connection refused")}
	h := newStubHandler(func() (*NotificationSettings, error) {
		return enabledSettings(), nil
	}, store, provider)

	h.Handle("session.turn_failed", map[string]string{"session_id": "s1"})

	require.Len(t, store.entries, 1)
	assert.Equal(t, "failed", store.entries[0].Status)
	assert.Equal(t, "connection refused", store.entries[0].ErrorMsg)
}

func TestHandle_PreferenceDisablesEvent(t *testing.T) {
	store := &stubStore{}
	provider := &stubProvider{}
	off := false
	settings := enabledSettings()
	settings.Preferences.Sessions.OnPermissionRequested = &off

	h := newStubHandler(func() (*NotificationSettings, error) { return settings, nil }, store, provider)

	h.Handle("session.permission_requested", map[string]string{"session_id": "s1"})
	assert.Empty(t, provider.sent)

	// Other events still deliver.
	h.Handle("session.turn_failed", map[string]string{"session_id": "s1"})
	assert.Len(t, provider.sent, 1)
}

func TestHandle_LogStoreError(t *testing.T) {
	// Even if the store fails to log, the handler should not panic.
	store := &stubStore{err: errors.New("db error")}
	provider := &stubProvider{}
	h := newStubHandler(func() (*NotificationSettings, error) {
		return enabledSettings(), nil
	}, store, provider)

	h.Handle("session.turn_completed", map[string]string{"key": "val"})
	assert.Len(t, provider.sent, 1)
}

func TestFileLoader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notifications.json")

	t.Run("missing file uses fallback", func(t *testing.T) {
		loader := FileLoader(path, enabledSettings())
		s, err := loader()
		require.NoError(t, err)
		assert.True(t, s.Enabled)
	})

	t.Run("missing file without fallback is disabled", func(t *testing.T) {
		loader := FileLoader(path, nil)
		s, err := loader()
		require.NoError(t, err)
		assert.False(t, s.Enabled)
	})

	t.Run("file overrides fallback", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path,
			[]byte(`{"enabled":true,"provider":{"host":"mail.example.com","port":465,"encryption":"ssl_tls"}}`), 0600))
		loader := FileLoader(path, nil)
		s, err := loader()
		require.NoError(t, err)
		assert.True(t, s.Enabled)
		assert.Equal(t, "mail.example.com", s.Provider.Host)
	})

	t.Run("malformed file errors", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("{nope"), 0600))
		loader := FileLoader(path, nil)
		_, err := loader()
		assert.Error(t, err)
	})
}
