package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/vault"

	"github.com/rs/zerolog"
)

// KeyStore is the part of the vault client the factory needs
type KeyStore interface {
	GetAPIKey(ctx context.Context, userID, exchange string, isTestnet bool) (*vault.APIKeyData, error)
}

// Factory creates and caches one connector per user.
// API keys are per-user; there is no shared master account.
type Factory struct {
	keys       KeyStore
	config     config.ExchangeConfig
	quoteAsset string
	logger     zerolog.Logger

	clients   sync.Map // userID -> *clientEntry
	clientTTL time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

type clientEntry struct {
	connector Connector
	mu        sync.Mutex
	lastUsed  time.Time
}

// NewFactory creates a connector factory and starts its idle-eviction loop
func NewFactory(keys KeyStore, cfg config.ExchangeConfig, quoteAsset string, logger zerolog.Logger) *Factory {
	f := &Factory{
		keys:       keys,
		config:     cfg,
		quoteAsset: quoteAsset,
		logger:     logger.With().Str("component", "exchange-factory").Logger(),
		clientTTL:  30 * time.Minute,
		stop:       make(chan struct{}),
	}
	go f.cleanupLoop()
	return f
}

// ForUser returns the cached connector for userID, creating it on first use
func (f *Factory) ForUser(ctx context.Context, userID string) (Connector, error) {
	if v, ok := f.clients.Load(userID); ok {
		e := v.(*clientEntry)
		e.mu.Lock()
		e.lastUsed = time.Now()
		e.mu.Unlock()
		return e.connector, nil
	}

	var conn Connector
	switch f.config.Name {
	case "paper":
		conn = NewPaperConnector(f.quoteAsset, f.config.PaperEquity)
	default:
		keys, err := f.keys.GetAPIKey(ctx, userID, "binance", f.config.TestNet)
		if err != nil {
			if errors.Is(err, vault.ErrKeyNotFound) {
				return nil, fmt.Errorf("user %s: %w", userID, ErrNoCredentials)
			}
			return nil, fmt.Errorf("failed to get API key for user %s: %w", userID, err)
		}
		conn = NewBinanceConnector(BinanceConfig{
			APIKey:         keys.APIKey,
			SecretKey:      keys.SecretKey,
			BaseURL:        f.config.BaseURL,
			TestNet:        keys.IsTestnet,
			HTTPTimeout:    f.config.HTTPTimeout,
			RequestsPerSec: f.config.RequestsPerSec,
			Burst:          f.config.Burst,
			MaxRetries:     f.config.MaxRetries,
		}, f.logger)
	}

	actual, _ := f.clients.LoadOrStore(userID, &clientEntry{connector: conn, lastUsed: time.Now()})
	return actual.(*clientEntry).connector, nil
}

// Invalidate drops a user's cached connector, e.g. after a key rotation
func (f *Factory) Invalidate(userID string) {
	f.clients.Delete(userID)
}

// Close stops the eviction loop and clears all connectors
func (f *Factory) Close() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.clients.Range(func(key, _ interface{}) bool {
		f.clients.Delete(key)
		return true
	})
}

func (f *Factory) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.evictIdle(time.Now())
		case <-f.stop:
			return
		}
	}
}

func (f *Factory) evictIdle(now time.Time) {
	f.clients.Range(func(key, value interface{}) bool {
		e := value.(*clientEntry)
		e.mu.Lock()
		idle := now.Sub(e.lastUsed) > f.clientTTL
		e.mu.Unlock()
		if idle {
			f.clients.Delete(key)
		}
		return true
	})
}
