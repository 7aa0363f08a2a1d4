package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHATCORE_USER_ID", "alice")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Chat.UserID)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.Chat.BrokerURL)
	assert.Equal(t, 4*time.Second, cfg.Chat.Heartbeat)
	assert.Equal(t, 5*time.Second, cfg.Chat.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.Chat.ReconnectMax)
	assert.Equal(t, 45*time.Second, cfg.Chat.RingTimeout)
	assert.Equal(t, 1000, cfg.Chat.OutboxMax)
	assert.False(t, cfg.Chat.AutoAnswer)
	assert.False(t, cfg.Database.Persistent())
	assert.Equal(t, "chatcore_", cfg.Database.Prefix)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHATCORE_USER_ID", "bob")
	t.Setenv("CHATCORE_HEARTBEAT_MS", "10000")
	t.Setenv("CHATCORE_RING_TIMEOUT_S", "20")
	t.Setenv("CHATCORE_AUTO_ANSWER", "true")
	t.Setenv("CHATCORE_MEDIA_UID", "42")
	t.Setenv("CHATCORE_OUTBOX_MAX", "not-a-number")
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("DB_NAME", "/tmp/outbox.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Chat.Heartbeat)
	assert.Equal(t, 20*time.Second, cfg.Chat.RingTimeout)
	assert.True(t, cfg.Chat.AutoAnswer)
	assert.Equal(t, uint32(42), cfg.Chat.MediaUID)
	assert.Equal(t, 1000, cfg.Chat.OutboxMax, "unparsable values fall back to the default")
	assert.True(t, cfg.Database.Persistent())
	assert.Equal(t, "/tmp/outbox.db", cfg.Database.GetDSN())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing user", env: map[string]string{}},
		{name: "mysql without password", env: map[string]string{"CHATCORE_USER_ID": "a", "DB_DRIVER": "mysql"}},
		{name: "unknown driver", env: map[string]string{"CHATCORE_USER_ID": "a", "DB_DRIVER": "oracle"}},
		{name: "reconnect ceiling below base", env: map[string]string{
			"CHATCORE_USER_ID":          "a",
			"CHATCORE_RECONNECT_MS":     "5000",
			"CHATCORE_RECONNECT_MAX_MS": "1000",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CHATCORE_USER_ID", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetDSN(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{driver: "mysql", want: "chat:secret@tcp(db:3306)/chatcore?parseTime=true"},
		{driver: "postgres", want: "host=db port=3306 user=chat password=secret dbname=chatcore sslmode=disable"},
		{driver: "sqlite3", want: "chatcore"},
		{driver: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			c := DatabaseConfig{
				Driver:   tt.driver,
				Host:     "db",
				Port:     3306,
				User:     "chat",
				Password: "secret",
				Database: "chatcore",
			}
			assert.Equal(t, tt.want, c.GetDSN())
		})
	}
}
