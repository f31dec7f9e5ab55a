package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ochronus/engineapi/internal/config"
	"github.com/ochronus/engineapi/pkg/engine"
	"github.com/sirupsen/logrus"
)

// ClientFactory builds a fresh engine client. Clients are not safe for
// concurrent operations, so parallel work asks the factory for its own.
type ClientFactory func() engine.ClientAPI

// Container holds what every command needs: configuration, the logger, a
// default engine client and a way to build more clients.
type Container struct {
	Config         *config.Config
	Logger         *logrus.Logger
	Engine         engine.ClientAPI
	NewClient      ClientFactory
	ValidateEngine bool
}

// Option allows customizing the container during construction.
type Option func(*Container) error

// WithLogger overrides the default logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Container) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithEngineClient overrides the default engine client.
func WithEngineClient(client engine.ClientAPI) Option {
	return func(c *Container) error {
		if client == nil {
			return fmt.Errorf("engine client cannot be nil")
		}
		c.Engine = client
		return nil
	}
}

// WithClientFactory overrides how additional engine clients are built.
func WithClientFactory(factory ClientFactory) Option {
	return func(c *Container) error {
		if factory == nil {
			return fmt.Errorf("client factory cannot be nil")
		}
		c.NewClient = factory
		return nil
	}
}

// WithEngineValidation enables or disables the connectivity check (default: enabled).
func WithEngineValidation(validate bool) Option {
	return func(c *Container) error {
		c.ValidateEngine = validate
		return nil
	}
}

// NewContainer builds a Container from cfg. Unless disabled, it checks that
// the engine answers before returning.
func NewContainer(cfg *config.Config, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	container := &Container{
		Config:         cfg,
		Logger:         buildDefaultLogger(cfg.Loglevel),
		ValidateEngine: true,
	}

	for _, opt := range opts {
		if err := opt(container); err != nil {
			return nil, err
		}
	}

	if container.NewClient == nil {
		logger := container.Logger
		container.NewClient = func() engine.ClientAPI {
			return buildEngineClient(cfg, logger)
		}
	}

	if container.Engine == nil {
		container.Engine = container.NewClient()
	}

	if container.ValidateEngine {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.TimeoutSecs)*time.Second)
		defer cancel()
		if _, err := container.Engine.ListJobs(ctx, 0, 1); err != nil {
			_ = container.Engine.Close()
			return nil, fmt.Errorf("failed to reach engine at %s: %w", cfg.BaseURL, err)
		}
		container.Logger.Debugf("engine at %s is reachable", cfg.BaseURL)
	}

	return container, nil
}

// Close releases the default engine client.
func (c *Container) Close() error {
	return c.Engine.Close()
}

func buildDefaultLogger(levelStr string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func buildEngineClient(cfg *config.Config, logger *logrus.Logger) *engine.Client {
	return engine.NewClient(cfg.BaseURL,
		engine.WithLogger(logger),
		engine.WithTimeout(time.Duration(cfg.TimeoutSecs)*time.Second),
		engine.WithMaxRetries(cfg.MaxRetries),
		engine.WithErrorOn404(cfg.ErrorOn404),
	)
}
