package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOptions() Options {
	o := DefaultOptions()
	o.Addr = "localhost:8080"
	o.DSN = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
	o.SigningKey = "c29tZV9zZWNyZXQ="
	o.AllowedOrigins = []string{"http://localhost:3000"}
	return o
}

func TestNewConfig(t *testing.T) {
	tcases := []struct {
		name   string
		modify func(o *Options)
		err    bool
	}{
		{
			name:   "valid config",
			modify: func(o *Options) {},
		},
		{
			name:   "sqlite driver",
			modify: func(o *Options) { o.Driver = "sqlite3"; o.DSN = "file:chat.db" },
		},
		{
			name:   "empty address",
			modify: func(o *Options) { o.Addr = "" },
			err:    true,
		},
		{
			name:   "unknown driver",
			modify: func(o *Options) { o.Driver = "mysql" },
			err:    true,
		},
		{
			name:   "empty DSN",
			modify: func(o *Options) { o.DSN = "" },
			err:    true,
		},
		{
			name:   "empty signing key",
			modify: func(o *Options) { o.SigningKey = "" },
			err:    true,
		},
		{
			name:   "signing key not base64",
			modify: func(o *Options) { o.SigningKey = "invalid_base64" },
			err:    true,
		},
		{
			name:   "zero typing timeout",
			modify: func(o *Options) { o.TypingTimeout = 0 },
			err:    true,
		},
		{
			name:   "negative upload size",
			modify: func(o *Options) { o.MaxUploadSize = -1 },
			err:    true,
		},
		{
			name:   "zero rate limit",
			modify: func(o *Options) { o.MessagesPerMinute = 0 },
			err:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			o := validOptions()
			tc.modify(&o)

			config, err := NewConfig(o)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, o.Addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, o.Driver, config.DatabaseDriver, "expected driver to match")
			assert.Equal(t, o.DSN, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, o.AllowedOrigins, config.AllowedOrigins, "expected allowed origins to match")
			assert.Equal(t, []byte("some_secret"), config.SigningKey, "expected signing key to be decoded")
			assert.Equal(t, DefaultTypingTimeout, config.TypingTimeout)
			assert.Equal(t, int64(DefaultMaxUploadSize), config.MaxUploadSize)
			assert.Equal(t, DefaultMessagesPerMinute, config.MessagesPerMinute)
		})
	}
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "securechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestOptions_LoadFile(t *testing.T) {
	t.Run("merges over defaults", func(t *testing.T) {
		path := writeFile(t, `
addr: ":9000"
driver: sqlite3
dsn: "file:chat.db?_foreign_keys=on"
allowed_origins:
  - https://chat.example.com
typing_timeout: 5s
`)

		o := DefaultOptions()
		require.NoError(t, o.LoadFile(path))

		assert.Equal(t, ":9000", o.Addr)
		assert.Equal(t, "sqlite3", o.Driver)
		assert.Equal(t, "file:chat.db?_foreign_keys=on", o.DSN)
		assert.Equal(t, []string{"https://chat.example.com"}, o.AllowedOrigins)
		assert.Equal(t, 5*time.Second, o.TypingTimeout)
		assert.Equal(t, int64(DefaultMaxUploadSize), o.MaxUploadSize, "expected unset keys to keep defaults")
		assert.Equal(t, DefaultMessagesPerMinute, o.MessagesPerMinute)
	})

	t.Run("empty file", func(t *testing.T) {
		o := DefaultOptions()
		require.NoError(t, o.LoadFile(writeFile(t, "")))
		assert.Equal(t, DefaultOptions(), o)
	})

	t.Run("unknown key", func(t *testing.T) {
		o := DefaultOptions()
		assert.Error(t, o.LoadFile(writeFile(t, "listen: :9000\n")))
	})

	t.Run("bad duration", func(t *testing.T) {
		o := DefaultOptions()
		assert.Error(t, o.LoadFile(writeFile(t, "typing_timeout: soon\n")))
	})

	t.Run("missing file", func(t *testing.T) {
		o := DefaultOptions()
		assert.Error(t, o.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")))
	})
}

func TestOptions_ApplyFlags(t *testing.T) {
	var flags Options
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.StringVar(&flags.Addr, "addr", "localhost:8000", "")
	fs.StringVar(&flags.DSN, "dsn", "", "")
	fs.DurationVar(&flags.TypingTimeout, "typing-timeout", DefaultTypingTimeout, "")
	fs.IntVar(&flags.MessagesPerMinute, "messages-per-minute", DefaultMessagesPerMinute, "")
	require.NoError(t, fs.Parse([]string{"-dsn", "file:cli.db", "-messages-per-minute", "10"}))

	o := DefaultOptions()
	o.Addr = ":9000"
	o.TypingTimeout = 5 * time.Second
	o.ApplyFlags(fs, flags)

	assert.Equal(t, ":9000", o.Addr, "expected unset flag to keep the file value")
	assert.Equal(t, 5*time.Second, o.TypingTimeout)
	assert.Equal(t, "file:cli.db", o.DSN)
	assert.Equal(t, 10, o.MessagesPerMinute)
}
