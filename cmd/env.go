package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/assessment-api/internal/assessment"
	"github.com/sells-group/assessment-api/internal/store"
	"github.com/sells-group/assessment-api/pkg/ragflow"
)

// env bundles the shared runtime pieces commands need.
type env struct {
	Store   store.TaskStore
	Client  ragflow.Client
	Service *assessment.Service
}

func initService(ctx context.Context) (*env, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}

	client := ragflow.NewClient(cfg.Ragflow.APIKey,
		ragflow.WithBaseURL(cfg.Ragflow.BaseURL),
		ragflow.WithTimeout(time.Duration(cfg.Ragflow.TimeoutSecs)*time.Second),
		ragflow.WithRateLimit(cfg.Ragflow.RequestsPerSecond),
	)

	return &env{
		Store:   st,
		Client:  client,
		Service: assessment.New(cfg.Assessment, st, client),
	}, nil
}

func openStore(ctx context.Context) (store.TaskStore, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}
