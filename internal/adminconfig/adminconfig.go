// Package adminconfig holds the hot-reloadable payout envelope: target RTP
// and the maximum win multiplier.
package adminconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	// Safe defaults used before any value has ever been read.
	DefaultTargetRTP        = 0.96
	DefaultMaxWinMultiplier = 50
)

// ErrInvalidConfig rejects out-of-range values on write.
var ErrInvalidConfig = errors.New("invalid admin config")

// ErrConfigNotFound signals the singleton row does not exist yet.
var ErrConfigNotFound = errors.New("admin config not found")

// Config is the singleton payout envelope.
type Config struct {
	TargetRTP        float64
	MaxWinMultiplier float64
}

// Validate enforces the write-side bounds.
func (config Config) Validate() error {
	if config.TargetRTP <= 0 || config.TargetRTP > 1 {
		return fmt.Errorf("%w: target rtp must be in (0,1]", ErrInvalidConfig)
	}
	if config.MaxWinMultiplier < 1 {
		return fmt.Errorf("%w: max win multiplier must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// Store is the persistence contract for the singleton row.
type Store interface {
	LoadAdminConfig(ctx context.Context) (Config, error)
	SaveAdminConfig(ctx context.Context, config Config) error
}

// Service reads the config with a last-known-value fallback so a momentary
// store outage never stalls the spin path.
type Service struct {
	store  Store
	logger *zap.Logger

	mu     sync.RWMutex
	cached *Config
}

// NewService wires a Service.
func NewService(store Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}, nil
}

// Get returns the current config: authoritative store value when reachable,
// else the last cached value, else hardcoded defaults.
func (service *Service) Get(ctx context.Context) Config {
	config, err := service.store.LoadAdminConfig(ctx)
	if err == nil {
		service.updateCache(config)
		return config
	}
	if !errors.Is(err, ErrConfigNotFound) {
		service.logger.Warn("admin config read failed, using fallback", zap.Error(err))
	}

	service.mu.RLock()
	cached := service.cached
	service.mu.RUnlock()
	if cached != nil {
		return *cached
	}
	return Config{TargetRTP: DefaultTargetRTP, MaxWinMultiplier: DefaultMaxWinMultiplier}
}

// Set validates, persists, and updates the cache synchronously so the next
// spin observes the new value.
func (service *Service) Set(ctx context.Context, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if err := service.store.SaveAdminConfig(ctx, config); err != nil {
		return err
	}
	service.updateCache(config)
	service.logger.Info("admin config updated",
		zap.Float64("target_rtp", config.TargetRTP),
		zap.Float64("max_win_multiplier", config.MaxWinMultiplier),
	)
	return nil
}

func (service *Service) updateCache(config Config) {
	service.mu.Lock()
	service.cached = &config
	service.mu.Unlock()
}
