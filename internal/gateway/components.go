// ABOUTME: Builds configured storage, automation backend and chat transport
// ABOUTME: Each init function maps one config section onto a concrete implementation

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/2389/reciprocity-gateway/internal/automation"
	"github.com/2389/reciprocity-gateway/internal/config"
	"github.com/2389/reciprocity-gateway/internal/store"
	"github.com/2389/reciprocity-gateway/internal/transport"
	"github.com/2389/reciprocity-gateway/internal/transport/loopback"
	"github.com/2389/reciprocity-gateway/internal/transport/matrix"
)

// initStore opens the configured storage gateway. RECIPROCITY_DB_PATH
// overrides the SQLite path.
func initStore(ctx context.Context, cfg *config.Config) (store.Gateway, error) {
	switch cfg.Database.Backend {
	case config.BackendDynamoDB:
		ddb := cfg.Database.DynamoDB
		region := ddb.Region
		if region == "" {
			region = cfg.AWS.Region
		}
		s, err := store.NewDynamoStoreFromConfig(ctx, store.DynamoOptions{
			Table:    ddb.Table,
			Region:   region,
			Endpoint: ddb.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing dynamodb store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("RECIPROCITY_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

func initBackend(cfg *config.Config, logger *slog.Logger) automation.Backend {
	a := cfg.Automation
	if a.Backend == config.AutomationHTTP {
		logger.Info("automation backend", "backend", a.Backend, "base_url", a.BaseURL)
		return automation.NewHTTPBackend(a.BaseURL, a.Token, a.CallTimeout.Std(), logger)
	}
	logger.Warn("using simulated automation backend",
		"fail_percent", a.Simulated.FailPercent,
		"terminal_percent", a.Simulated.TerminalPercent)
	return automation.NewSimulatedBackend(a.Simulated.FailPercent, a.Simulated.TerminalPercent, a.Simulated.Latency.Std(), logger)
}

// initTransport returns the Matrix transport when enabled, otherwise a
// loopback transport that only the operational API can reach.
func initTransport(cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	if !cfg.Matrix.Enabled {
		logger.Warn("no chat transport enabled, using loopback")
		return loopback.New(), nil
	}
	m := cfg.Matrix
	tr, err := matrix.New(matrix.Config{
		Homeserver:   m.Homeserver,
		UserID:       m.UserID,
		AccessToken:  m.AccessToken,
		AllowedRooms: m.AllowedRooms,
		AutoJoin:     m.AutoJoin,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing matrix transport: %w", err)
	}
	return tr, nil
}
