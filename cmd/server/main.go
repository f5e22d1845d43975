package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-securechat/internal/api"
	"github.com/npezzotti/go-securechat/internal/config"
	"github.com/npezzotti/go-securechat/internal/database"
	"github.com/npezzotti/go-securechat/internal/server"
	"github.com/npezzotti/go-securechat/internal/stats"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	defaultDSN        = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func main() {
	var (
		flags          config.Options
		allowedOrigins stringSliceFlag
		configFile     string
	)

	defaults := config.DefaultOptions()
	defaults.DSN = defaultDSN
	defaults.SigningKey = defaultSigningKey
	fs := flag.CommandLine
	fs.StringVar(&flags.Addr, "addr", defaults.Addr, "server address")
	fs.StringVar(&flags.Driver, "driver", defaults.Driver, "database driver: postgres or sqlite3")
	fs.StringVar(&flags.DSN, "dsn", defaults.DSN, "database connection string")
	fs.StringVar(&flags.SigningKey, "signing-key", defaults.SigningKey, "base64 encoded signing key")
	fs.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	fs.DurationVar(&flags.TypingTimeout, "typing-timeout", defaults.TypingTimeout, "how long a typing indicator lasts without a refresh")
	fs.Int64Var(&flags.MaxUploadSize, "max-upload-size", defaults.MaxUploadSize, "largest accepted file attachment in bytes")
	fs.IntVar(&flags.MessagesPerMinute, "messages-per-minute", defaults.MessagesPerMinute, "per-session message rate limit")
	fs.StringVar(&configFile, "config", "", "optional YAML config file, overridden by flags")
	flag.Parse()
	flags.AllowedOrigins = allowedOrigins

	logger := log.New(os.Stderr, "[securechat] ", log.LstdFlags)

	// flags set on the command line win over the file, which wins over
	// the defaults
	opts := defaults
	if configFile != "" {
		if err := opts.LoadFile(configFile); err != nil {
			logger.Fatal("config:", err)
		}
	}
	opts.ApplyFlags(fs, flags)

	cfg, err := config.NewConfig(opts)
	if err != nil {
		logger.Fatal("config:", err)
	}

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if err := db.Migrate(); err != nil {
		logger.Fatal("db migrate:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, db, statsUpdater, server.Config{
		TypingTimeout:     cfg.TypingTimeout,
		MessagesPerMinute: cfg.MessagesPerMinute,
		MaxFileSize:       cfg.MaxUploadSize,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, db, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
