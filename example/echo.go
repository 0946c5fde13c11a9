package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	agent "github.com/jcspencer/ssh-agent-lib"
)

// fileConfig mirrors config.toml.
type fileConfig struct {
	Network         string `toml:"network"`
	Addr            string `toml:"addr"`
	Socket          string `toml:"socket"`
	BufferSize      int    `toml:"buffer_size"`
	MaxFrameLength  int    `toml:"max_frame_length"`
	IdleTimeout     string `toml:"idle_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	LogLevel        string `toml:"log_level"`
}

type config struct {
	network         string
	addr            string
	socket          string
	bufferSize      int
	maxFrameLength  int
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
	logLevel        zerolog.Level
}

func defaultConfig() config {
	return config{
		network:         "tcp",
		addr:            "127.0.0.1:12345",
		socket:          "/tmp/echo.sock",
		shutdownTimeout: 5 * time.Second,
		logLevel:        zerolog.InfoLevel,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("network") {
		cfg.network = strings.TrimSpace(raw.Network)
	}

	if meta.IsDefined("addr") {
		cfg.addr = strings.TrimSpace(raw.Addr)
	}

	if meta.IsDefined("socket") {
		cfg.socket = strings.TrimSpace(raw.Socket)
	}

	if meta.IsDefined("buffer_size") {
		cfg.bufferSize = raw.BufferSize
	}

	if meta.IsDefined("max_frame_length") {
		cfg.maxFrameLength = raw.MaxFrameLength
	}

	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return config{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.idleTimeout = d
	}

	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return config{}, fmt.Errorf("parse shutdown_timeout: %w", err)
		}
		cfg.shutdownTimeout = d
	}

	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return config{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = lvl
	}

	return cfg, nil
}

// consoleLogger adapts zerolog to the agent.Logger interface. Args are the
// usual alternating key-value pairs.
type consoleLogger struct {
	log zerolog.Logger
}

func newConsoleLogger(level zerolog.Level) consoleLogger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).Level(level).With().Timestamp().Str("app", "echo").Logger()
	return consoleLogger{log: logger}
}

func (l consoleLogger) Debug(msg string, args ...any) {
	l.log.Debug().Fields(args).Msg(msg)
}

func (l consoleLogger) Info(msg string, args ...any) {
	l.log.Info().Fields(args).Msg(msg)
}

func (l consoleLogger) Warn(msg string, args ...any) {
	l.log.Warn().Fields(args).Msg(msg)
}

func (l consoleLogger) Error(msg string, args ...any) {
	l.log.Error().Fields(args).Msg(msg)
}

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echo: %v\n", err)
		os.Exit(1)
	}

	logger := newConsoleLogger(cfg.logLevel)

	// Echo every message back unchanged.
	echo := agent.HandlerFunc(func(ctx context.Context, m agent.Message) (agent.Message, error) {
		return m, nil
	})

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down server...")
		cancel()
	}()

	connOpts := []agent.Option{
		agent.CustomCodecOption(agent.RawCodec{}),
		agent.LoggerOption(logger),
	}
	if cfg.bufferSize > 0 {
		connOpts = append(connOpts, agent.BufferSizeOption(cfg.bufferSize))
	}
	if cfg.maxFrameLength > 0 {
		connOpts = append(connOpts, agent.MaxFrameLengthOption(cfg.maxFrameLength))
	}
	if cfg.idleTimeout > 0 {
		connOpts = append(connOpts, agent.IdleTimeoutOption(cfg.idleTimeout))
	}

	opts := []agent.ServerOption{
		agent.ServerLoggerOption(logger),
		agent.ServerShutdownTimeoutOption(cfg.shutdownTimeout),
		agent.ServerConnOption(connOpts...),
	}

	switch cfg.network {
	case "unix":
		err = agent.ListenAndServeUnix(ctx, cfg.socket, echo, opts...)
	default:
		err = agent.ListenAndServe(ctx, cfg.addr, echo, opts...)
	}

	if err != nil && err != context.Canceled {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
