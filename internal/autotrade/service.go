package autotrade

import (
	"context"
	"fmt"
	"sync"

	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/exchange"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"
)

// Deps are the collaborators shared by every user engine
type Deps struct {
	Store      Store
	Connectors exchange.Provider
	Lock       RequestLock // optional
	Notifier   Notifier    // optional
	Logger     *logging.Logger
}

// Service is the registry of per-user engines
type Service struct {
	deps    Deps
	opts    Options
	logger  *logging.Logger
	engines sync.Map // userID -> *Engine
}

// NewService creates the engine registry
func NewService(deps Deps, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	s := &Service{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: deps.Logger.WithComponent("autotrade"),
	}
	if err := s.opts.Validate(); err != nil {
		s.logger.Error("invalid engine defaults, new users cannot be configured", "error", err)
	}
	return s
}

// Options returns the effective engine defaults
func (s *Service) Options() Options {
	return s.opts
}

// Engine returns the engine for userID, creating it on first use
func (s *Service) Engine(userID string) *Engine {
	if v, ok := s.engines.Load(userID); ok {
		return v.(*Engine)
	}
	actual, _ := s.engines.LoadOrStore(userID, newEngine(userID, s))
	return actual.(*Engine)
}

// Drop forgets the in-memory state of userID. The next call to Engine
// rebuilds it from the store.
func (s *Service) Drop(userID string) {
	s.engines.Delete(userID)
}

// Users lists users with an engine in memory
func (s *Service) Users() []string {
	var users []string
	s.engines.Range(func(key, _ interface{}) bool {
		users = append(users, key.(string))
		return true
	})
	return users
}

// UpdateConfig validates and stores a configuration patch
func (s *Service) UpdateConfig(ctx context.Context, userID string, patch ConfigPatch) (*Config, error) {
	e := s.Engine(userID)
	current, err := e.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return current, nil
	}

	next := ApplyPatch(*current, patch)
	if err := next.Validate(); err != nil {
		return nil, err
	}

	saved, err := s.deps.Store.SaveConfig(ctx, userID, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	e.audit(ctx, EventConfigUpdated, "", "", "", map[string]interface{}{"patch": patch})
	return saved, nil
}

// EnabledUsers lists users whose stored configuration asks for auto-trading
func (s *Service) EnabledUsers(ctx context.Context) ([]string, error) {
	return s.deps.Store.ListEnabledUsers(ctx)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, TradeNotification) {}
