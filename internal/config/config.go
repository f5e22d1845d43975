package config

import (
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTypingTimeout     = 3 * time.Second
	DefaultMaxUploadSize     = 10 << 20
	DefaultMessagesPerMinute = 30
)

var drivers = []string{"postgres", "sqlite3"}

type Config struct {
	ServerAddr        string
	DatabaseDriver    string
	DatabaseDSN       string
	SigningKey        []byte
	AllowedOrigins    []string
	TypingTimeout     time.Duration
	MaxUploadSize     int64
	MessagesPerMinute int
}

// Options are the raw settings as given on the command line or in a YAML
// file, before validation.
type Options struct {
	Addr              string        `yaml:"addr"`
	Driver            string        `yaml:"driver"`
	DSN               string        `yaml:"dsn"`
	SigningKey        string        `yaml:"signing_key"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	TypingTimeout     time.Duration `yaml:"typing_timeout"`
	MaxUploadSize     int64         `yaml:"max_upload_size"`
	MessagesPerMinute int           `yaml:"messages_per_minute"`
}

func DefaultOptions() Options {
	return Options{
		Addr:              "localhost:8000",
		Driver:            "postgres",
		TypingTimeout:     DefaultTypingTimeout,
		MaxUploadSize:     DefaultMaxUploadSize,
		MessagesPerMinute: DefaultMessagesPerMinute,
	}
}

// LoadFile merges the YAML file at path into o. Keys missing from the file
// keep their current values; unknown keys are an error.
func (o *Options) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(o); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	return nil
}

// ApplyFlags copies the flags explicitly set on fs from src into o, so
// command line values win over the config file.
func (o *Options) ApplyFlags(fs *flag.FlagSet, src Options) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			o.Addr = src.Addr
		case "driver":
			o.Driver = src.Driver
		case "dsn":
			o.DSN = src.DSN
		case "signing-key":
			o.SigningKey = src.SigningKey
		case "allowed-origins":
			o.AllowedOrigins = src.AllowedOrigins
		case "typing-timeout":
			o.TypingTimeout = src.TypingTimeout
		case "max-upload-size":
			o.MaxUploadSize = src.MaxUploadSize
		case "messages-per-minute":
			o.MessagesPerMinute = src.MessagesPerMinute
		}
	})
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(o Options) (*Config, error) {
	if o.Addr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if !slices.Contains(drivers, o.Driver) {
		return nil, fmt.Errorf("unsupported database driver %q", o.Driver)
	}
	if o.DSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if o.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if o.TypingTimeout <= 0 {
		return nil, fmt.Errorf("typing timeout must be positive")
	}
	if o.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("max upload size must be positive")
	}
	if o.MessagesPerMinute <= 0 {
		return nil, fmt.Errorf("messages per minute must be positive")
	}

	signingKey, err := decodeSigningSecret(o.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:        o.Addr,
		DatabaseDriver:    o.Driver,
		DatabaseDSN:       o.DSN,
		SigningKey:        signingKey,
		AllowedOrigins:    o.AllowedOrigins,
		TypingTimeout:     o.TypingTimeout,
		MaxUploadSize:     o.MaxUploadSize,
		MessagesPerMinute: o.MessagesPerMinute,
	}, nil
}
