// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mender/internal/config"
	"github.com/xkilldash9x/mender/internal/orchestrator"
)

// ComponentFactory creates the set of components a command runs. Commands
// depend on this interface so their logic can be tested without a database.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	deps orchestrator.Deps
}

// NewComponentFactory creates a factory. The optional template supplies
// collaborators (harness, providers, recovery check) for every orchestrator
// it builds; Config, Logger and the stores are always filled in by Create.
func NewComponentFactory(template ...orchestrator.Deps) ComponentFactory {
	f := &concreteFactory{}
	if len(template) > 0 {
		f.deps = template[0]
	}
	return f
}

// Create wires persistence and the orchestrator. On failure anything already
// created is shut down.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Persistence
	st, pool, err := InitializeStore(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize store: %w", err)
		return nil, initializationErr
	}
	components.Store = st
	components.DBPool = pool

	// 2. Orchestrator
	deps := f.deps
	deps.Config = cfg
	deps.Logger = logger
	if st != nil {
		deps.HistoryStore = st
		deps.PatternStore = st
	}
	orch, err := orchestrator.New(deps)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch

	logger.Debug("All components initialized.")
	return components, nil
}
