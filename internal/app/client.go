package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/projectsync/internal/client"
	"github.com/MarcoPoloResearchLab/projectsync/internal/clock"
	"github.com/MarcoPoloResearchLab/projectsync/internal/config"
	"github.com/MarcoPoloResearchLab/projectsync/internal/debugview"
	"github.com/MarcoPoloResearchLab/projectsync/internal/feed/wsfeed"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/projectsync/internal/session"
	"github.com/MarcoPoloResearchLab/projectsync/internal/store"
	"go.uber.org/zap"
)

// Client is one signed-in syncing client: a session, the API adapter, the realtime
// manager and the reconciled stores fed by both.
type Client struct {
	Session       *session.Session
	API           *client.Client
	Manager       *realtime.Manager
	Projects      *store.Projects
	Organizations *store.Organizations

	debug           http.Handler
	bindings        []*store.Binding
	projectsBinding *store.Binding
	logger          *zap.Logger
}

var errNotStarted = errors.New("app: client not started")

// NewClient wires the client from cfg. Nothing touches the network until Start.
func NewClient(cfg config.ClientConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sess := session.New(logger)
	if err := sess.Initialize(cfg.AccessToken); err != nil {
		return nil, err
	}

	api, err := client.New(client.Config{
		BaseURL: cfg.BaseURL,
		Tokens:  sess,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	push, err := wsfeed.NewClient(wsfeed.ClientConfig{
		URL: cfg.RealtimeURL,
		Token: func() string {
			token, _ := sess.Token()
			return token
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	manager, err := realtime.NewManager(realtime.ManagerConfig{
		PushService: push,
		Logger:      logger,
		Retry: realtime.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			MaxDelay:    cfg.Retry.MaxDelay,
			Multiplier:  cfg.Retry.Multiplier,
			Jitter:      cfg.Retry.Jitter,
		},
		Scheduler: clock.System{},
	})
	if err != nil {
		return nil, err
	}

	deps := store.Dependencies{
		Principal:  sess,
		Scheduler:  clock.System{},
		Logger:     logger,
		CacheTTL:   cfg.CacheTTL,
		PurgeDelay: cfg.PurgeDelay,
	}
	projectSource := client.ProjectSource{Client: api}
	projects, err := store.NewProjects(deps, projectSource, projectSource)
	if err != nil {
		return nil, err
	}
	organizations, err := store.NewOrganizations(deps, client.OrganizationSource{Client: api}, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		Session:       sess,
		API:           api,
		Manager:       manager,
		Projects:      projects,
		Organizations: organizations,
		logger:        logger,
	}

	if cfg.Debug.Enabled {
		debug, err := debugview.NewHandler(debugview.Config{
			Inspector: manager,
			Pending: map[string]debugview.PendingFunc{
				"projects":      debugview.Ledger(projects.Ledger()),
				"organizations": debugview.Ledger(organizations.Ledger()),
			},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		c.debug = debug
	}

	return c, nil
}

// Start subscribes both stores to their tables and performs the initial loads.
// Subscribing first means changes committed during the load are not missed.
func (c *Client) Start(ctx context.Context) error {
	principal, ok := c.Session.Principal()
	if !ok {
		return session.ErrUnauthenticated
	}
	scope := "created_by=eq." + principal.String()

	projectsBinding, err := c.Projects.Bind(c.Manager, realtime.SubscriptionConfig{Table: "projects", Filter: scope})
	if err != nil {
		return err
	}
	c.bindings = append(c.bindings, projectsBinding)
	c.projectsBinding = projectsBinding

	organizationsBinding, err := c.Organizations.Bind(c.Manager, realtime.SubscriptionConfig{Table: "organizations", Filter: scope})
	if err != nil {
		return err
	}
	c.bindings = append(c.bindings, organizationsBinding)

	if err := c.Organizations.Load(ctx, false); err != nil {
		return fmt.Errorf("load organizations: %w", err)
	}
	if err := c.Projects.Load(ctx, false); err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	c.logger.Info("client started",
		zap.String("principal", principal.String()),
		zap.Int("projects", len(c.Projects.Items())),
		zap.Int("organizations", len(c.Organizations.Items())))
	return nil
}

// ProjectChanges streams the realtime events applied to the project store. The channel
// closes when ctx ends, stop is called or the client is closed.
func (c *Client) ProjectChanges(ctx context.Context, size int) (<-chan realtime.ChangeEvent, func(), error) {
	if c.projectsBinding == nil {
		return nil, nil, errNotStarted
	}
	stream, stop := c.Manager.Bus().Stream(ctx, c.projectsBinding.SubscriptionID(), size)
	return stream, stop, nil
}

// DebugHandler returns the development inspection handler, or nil when disabled.
func (c *Client) DebugHandler() http.Handler {
	return c.debug
}

// Close unsubscribes every binding and shuts the realtime manager down.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	for _, binding := range c.bindings {
		if err := binding.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.bindings = nil
	c.projectsBinding = nil
	if err := c.Manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
