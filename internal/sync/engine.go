// Package sync assembles the role-scoped realtime synchronization engine:
// scope resolver, entity cache, event channel, sync coordinator and mutation
// gateway, wired together for one viewer session.
package sync

import (
	"context"
	"fmt"
	"time"

	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/adapter/channel"
	"classwatch/internal/sync/adapter/mock"
	"classwatch/internal/sync/adapter/rest"
	"classwatch/internal/sync/clock"
	"classwatch/internal/sync/config"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/domain/repository"
	"classwatch/internal/sync/scope"
	"classwatch/internal/sync/usecase"
)

// Engine is the per-session facade over the sync components. Construct one
// per application root and pass it down explicitly; there is no package-level
// instance.
type Engine struct {
	cfg     *config.Config
	viewer  model.Viewer
	source  repository.DataSource
	cache   *usecase.EntityCache
	coord   *usecase.SyncCoordinator
	gateway *usecase.MutationGateway
	channel *channel.EventChannel
	dialer  channel.Dialer
	log     logger.Logger
}

// Options tunes engine construction beyond configuration.
type Options struct {
	// Token authenticates the viewer against the hub in live mode.
	Token string
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Dialer overrides the WebSocket dialer, mainly for tests.
	Dialer channel.Dialer
	// Source overrides the data source regardless of API mode.
	Source repository.DataSource
}

// NewEngine wires an engine for one viewer.
func NewEngine(cfg *config.Config, viewer model.Viewer, log logger.Logger, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	sc := scope.Resolve(viewer)

	source := opts.Source
	if source == nil {
		switch cfg.APIMode {
		case config.APIModeLive:
			source = rest.NewClient(cfg.HubBaseURL, opts.Token, log)
		case config.APIModeMock:
			source = mock.NewSeededSource(sc)
		default:
			return nil, fmt.Errorf("unknown API mode %q", cfg.APIMode)
		}
	}

	cache := usecase.NewEntityCache(sc, cfg.CacheTTL, opts.Clock, log)

	matcher, err := usecase.NewQueryMatcher(log)
	if err != nil {
		return nil, fmt.Errorf("create query matcher: %w", err)
	}

	coord := usecase.NewSyncCoordinator(cache, matcher, log)
	coord.SetDedupWindow(cfg.DedupWindow)

	dialer := opts.Dialer
	if dialer == nil {
		dialer = channel.NewWSDialer(opts.Token)
	}

	ch := channel.New(channel.Options{
		URL:         cfg.HubWSURL,
		Dialer:      dialer,
		Clock:       opts.Clock,
		Logger:      log,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	})

	for _, msgType := range []string{
		model.MessageTypeAlertNew,
		model.MessageTypeAlertUpdated,
		model.MessageTypeDeviceStatus,
		model.MessageTypeMetricsUpdate,
	} {
		ch.On(msgType, coord.HandleWire)
	}

	return &Engine{
		cfg:     cfg,
		viewer:  viewer,
		source:  source,
		cache:   cache,
		coord:   coord,
		gateway: usecase.NewMutationGateway(cache, log),
		channel: ch,
		dialer:  dialer,
		log:     log.WithComponent("sync_engine"),
	}, nil
}

// Start connects the push channel and subscribes to the entity topics.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.channel.Connect(ctx); err != nil {
		return err
	}
	for _, topic := range []string{model.TopicAlerts, model.TopicClassrooms, model.TopicMetrics} {
		if err := e.channel.Subscribe(topic); err != nil {
			e.log.Warnf("subscribe %q: %v", topic, err)
		}
	}
	return nil
}

// Stop terminates the push channel.
func (e *Engine) Stop() {
	e.channel.Disconnect()
}

// Viewer returns the session's viewer.
func (e *Engine) Viewer() model.Viewer { return e.viewer }

// Cache exposes the entity cache for reads.
func (e *Engine) Cache() *usecase.EntityCache { return e.cache }

// Coordinator exposes the sync coordinator, e.g. to register a metrics
// handler.
func (e *Engine) Coordinator() *usecase.SyncCoordinator { return e.coord }

// Channel exposes the push transport, e.g. for connectivity observers.
func (e *Engine) Channel() *channel.EventChannel { return e.channel }

// SwitchViewer replaces the session's viewer. Every cached query is evicted,
// in-flight fetch results are discarded on arrival, and subsequent events are
// filtered under the new scope. The data source is rebound too: mock mode
// reseeds under the new scope, live mode takes the new viewer's session token
// so the hub stops answering under the old session's claims.
func (e *Engine) SwitchViewer(viewer model.Viewer, token string) {
	e.viewer = viewer
	e.cache.SetViewer(viewer)

	switch e.source.(type) {
	case *mock.Source:
		e.source = mock.NewSeededSource(scope.Resolve(viewer))
	case *rest.Client:
		e.source = rest.NewClient(e.cfg.HubBaseURL, token, e.log)
	}
	if d, ok := e.dialer.(*channel.WSDialer); ok {
		d.SetToken(token)
	}

	e.log.Infof("viewer switched to role %s", viewer.Role)
}

// QueryAlerts reads one page of alerts through the cache.
func (e *Engine) QueryAlerts(ctx context.Context, filters map[string]string, page, limit int) usecase.QueryResult {
	return e.query(ctx, model.QueryKey{Kind: model.KindAlert, Filters: filters, Page: page, Limit: limit})
}

// QueryClassrooms reads one page of classrooms through the cache.
func (e *Engine) QueryClassrooms(ctx context.Context, filters map[string]string, page, limit int) usecase.QueryResult {
	return e.query(ctx, model.QueryKey{Kind: model.KindClassroom, Filters: filters, Page: page, Limit: limit})
}

func (e *Engine) query(ctx context.Context, q model.QueryKey) usecase.QueryResult {
	source := e.source
	return e.cache.Query(ctx, q, func(ctx context.Context) (*model.Page, error) {
		return source.FetchPage(ctx, q)
	})
}

// AcknowledgeAlert optimistically acknowledges an alert.
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID string) (model.Entity, error) {
	return e.alertMutation(ctx, alertID, repository.ActionAcknowledge, model.AlertStatusAcknowledged)
}

// ResolveAlert optimistically resolves an alert.
func (e *Engine) ResolveAlert(ctx context.Context, alertID string) (model.Entity, error) {
	return e.alertMutation(ctx, alertID, repository.ActionResolve, model.AlertStatusResolved)
}

// MarkFalsePositive optimistically marks an alert as a false positive.
func (e *Engine) MarkFalsePositive(ctx context.Context, alertID string) (model.Entity, error) {
	return e.alertMutation(ctx, alertID, repository.ActionFalsePositive, model.AlertStatusFalsePositive)
}

func (e *Engine) alertMutation(ctx context.Context, alertID, action string, optimistic model.AlertStatus) (model.Entity, error) {
	source := e.source
	now := time.Now()
	return e.gateway.Mutate(ctx, model.KindAlert, alertID,
		func(current model.Entity) model.Entity {
			alert, ok := current.(*model.Alert)
			if !ok {
				return nil
			}
			alert.Status = optimistic
			alert.UpdatedAt = now
			return alert
		},
		func(ctx context.Context) (model.Entity, error) {
			return source.AlertAction(ctx, alertID, action)
		},
	)
}
