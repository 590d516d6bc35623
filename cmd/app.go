package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"restaurant-agent/internal/catalog"
	"restaurant-agent/internal/config"
	"restaurant-agent/internal/integrations/openai"
	"restaurant-agent/internal/integrations/orderevents"
	"restaurant-agent/internal/integrations/paramstore"
	"restaurant-agent/internal/repository"
	"restaurant-agent/internal/usecase"
)

// sessionStore is a turn log that also keeps placed orders.
type sessionStore interface {
	usecase.SessionStore
	usecase.OrderRecorder
}

// app owns the process-wide clients. AWS is only configured when a
// component needs it.
type app struct {
	svc *usecase.TurnService

	awsCfg  *aws.Config
	params  *paramstore.Client
	closers []func() error
}

func newApp(ctx context.Context, s *config.Settings) (*app, error) {
	if err := s.App.Validate(); err != nil {
		return nil, err
	}
	a := &app{}
	svc, err := a.build(ctx, s)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

func (a *app) build(ctx context.Context, s *config.Settings) (*usecase.TurnService, error) {
	if err := a.resolveRefs(ctx, &s.OpenAI.APIKey, &s.Cache.Password); err != nil {
		return nil, err
	}

	store, err := a.sessionStore(ctx, s)
	if err != nil {
		return nil, err
	}
	cat, err := a.catalog(ctx, s)
	if err != nil {
		return nil, err
	}

	recorders := []usecase.OrderRecorder{store}
	if s.Events.Enabled() {
		pub, err := orderevents.New(orderevents.NewWriter(s.Events), s.Events.WriteTimeout)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		recorders = append(recorders, pub)
		log.Info().Strs("brokers", s.Events.Brokers).Str("topic", s.Events.Topic).Msg("publishing order events")
	}

	var getter openai.Getter
	if strings.TrimSpace(s.OpenAI.APIKey) == "" {
		if getter, err = a.paramStore(ctx); err != nil {
			return nil, err
		}
	}
	llm, err := openai.NewClient(s.OpenAI, getter)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}

	svc, err := usecase.NewTurnService(cat, store, llm, usecase.Options{
		Model:             s.OpenAI.ModelParams(),
		MenuLimit:         s.App.MenuLimit,
		HistoryWindow:     s.App.HistoryWindow,
		MaxMessageLen:     s.App.MaxMessageLength,
		CompletionTimeout: s.App.CompletionTimeout,
		Recorders:         recorders,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create turn service: %w", err)
	}
	return svc, nil
}

func (a *app) sessionStore(ctx context.Context, s *config.Settings) (sessionStore, error) {
	if s.App.StoreBackend == config.StoreMemory {
		log.Warn().Msg("using in-memory session store; sessions are lost on restart")
		return repository.NewMemory(), nil
	}
	cfg, err := a.aws(ctx)
	if err != nil {
		return nil, err
	}
	client, err := repository.New(awsdynamodb.NewFromConfig(cfg), s.App.StateTable, s.App.RestaurantIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to create state client: %w", err)
	}
	return client, nil
}

func (a *app) catalog(ctx context.Context, s *config.Settings) (usecase.Catalog, error) {
	var source catalog.Source
	switch s.App.CatalogBackend {
	case config.CatalogPostgres:
		pg, err := a.postgres(ctx, s)
		if err != nil {
			return nil, err
		}
		source = pg
	default:
		static, err := catalog.LoadDir(s.App.DataDir)
		if err != nil {
			return nil, err
		}
		source = static
	}

	cached, err := a.cache(ctx, s, source)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}
	return source, nil
}

func (a *app) postgres(ctx context.Context, s *config.Settings) (*catalog.Postgres, error) {
	if err := a.resolveRefs(ctx, &s.Postgres.DSN); err != nil {
		return nil, err
	}
	db, err := catalog.OpenPostgres(ctx, s.Postgres)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return catalog.NewPostgres(db)
}

// cache returns nil when no Redis address is configured.
func (a *app) cache(ctx context.Context, s *config.Settings, source catalog.Source) (*catalog.Cached, error) {
	if strings.TrimSpace(s.Cache.Addr) == "" {
		return nil, nil
	}
	if err := a.resolveRefs(ctx, &s.Cache.Password); err != nil {
		return nil, err
	}
	client, err := catalog.NewRedisClient(ctx, s.Cache)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return catalog.NewCached(source, catalog.RedisBackend{Client: client}, s.Cache)
}

// resolveRefs swaps "ssm:" references for their values, touching AWS only
// when at least one field holds a reference.
func (a *app) resolveRefs(ctx context.Context, fields ...*string) error {
	needed := false
	for _, f := range fields {
		if strings.HasPrefix(*f, paramstore.RefPrefix) {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}
	ps, err := a.paramStore(ctx)
	if err != nil {
		return err
	}
	if err := ps.ResolveRefs(ctx, fields...); err != nil {
		return fmt.Errorf("failed to resolve parameters: %w", err)
	}
	return nil
}

func (a *app) paramStore(ctx context.Context) (*paramstore.Client, error) {
	if a.params != nil {
		return a.params, nil
	}
	cfg, err := a.aws(ctx)
	if err != nil {
		return nil, err
	}
	ps, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create SSM client: %w", err)
	}
	a.params = ps
	return ps, nil
}

func (a *app) aws(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	a.awsCfg = &cfg
	return cfg, nil
}

// Close releases clients in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
