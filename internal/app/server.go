// Package app assembles the backend server and the syncing client from configuration.
package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/auth"
	"github.com/MarcoPoloResearchLab/projectsync/internal/config"
	"github.com/MarcoPoloResearchLab/projectsync/internal/crud"
	"github.com/MarcoPoloResearchLab/projectsync/internal/database"
	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/MarcoPoloResearchLab/projectsync/internal/feed/memfeed"
	"github.com/MarcoPoloResearchLab/projectsync/internal/feed/redisfeed"
	"github.com/MarcoPoloResearchLab/projectsync/internal/feed/wsfeed"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/projectsync/internal/server"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tokenIssuer   = "projectsync-auth"
	tokenAudience = "projectsync-api"
)

// changeFeed is the server side of a push service: the CRUD service publishes into it
// and each websocket reads a view scoped to its principal.
type changeFeed interface {
	realtime.Publisher
	Scoped(owner string) realtime.PushService
}

// Server is the assembled backend.
type Server struct {
	handler   http.Handler
	issuer    *auth.TokenIssuer
	db        *gorm.DB
	closeFeed func() error
	logger    *zap.Logger
}

// NewIssuer builds the session token issuer shared by the server and the token command.
func NewIssuer(secret, cookieName string, ttl time.Duration) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		CookieName:    cookieName,
		TokenTTL:      ttl,
	})
}

// NewServer opens storage, selects the change feed and builds the HTTP handler.
func NewServer(cfg config.ServerConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	feed, closeFeed, err := openFeed(cfg, logger)
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	issuer, err := NewIssuer(cfg.SigningSecret, cfg.CookieName, cfg.TokenTTL)
	if err != nil {
		_ = closeFeed()
		closeDatabase(db)
		return nil, err
	}

	service, err := crud.NewService(crud.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: entities.NewUUIDProvider(),
		Publisher:  feed,
		Logger:     logger,
	})
	if err != nil {
		_ = closeFeed()
		closeDatabase(db)
		return nil, err
	}

	realtimeHandler, err := wsfeed.NewHandler(wsfeed.HandlerConfig{
		Authenticate: func(r *http.Request) (string, error) {
			claims, err := issuer.ValidateRequest(r)
			if err != nil {
				return "", err
			}
			return claims.Subject, nil
		},
		Feed:   feed.Scoped,
		Logger: logger,
	})
	if err != nil {
		_ = closeFeed()
		closeDatabase(db)
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       issuer,
		Service:        service,
		Realtime:       realtimeHandler,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		_ = closeFeed()
		closeDatabase(db)
		return nil, err
	}

	return &Server{
		handler:   handler,
		issuer:    issuer,
		db:        db,
		closeFeed: closeFeed,
		logger:    logger,
	}, nil
}

// Handler serves the REST API and the realtime websocket.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Issuer mints session tokens accepted by Handler.
func (s *Server) Issuer() *auth.TokenIssuer {
	return s.issuer
}

// Close releases the change feed and the database.
func (s *Server) Close() error {
	var errs []error
	if err := s.closeFeed(); err != nil {
		errs = append(errs, err)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		errs = append(errs, err)
	} else if err := sqlDB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func openFeed(cfg config.ServerConfig, logger *zap.Logger) (changeFeed, func() error, error) {
	switch cfg.Transport {
	case config.TransportRedis:
		feed, err := redisfeed.New(cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("realtime transport selected", zap.String("transport", config.TransportRedis))
		return feed, feed.Close, nil
	default:
		broker := memfeed.NewBroker(memfeed.Config{Logger: logger})
		logger.Info("realtime transport selected", zap.String("transport", config.TransportMemory))
		return broker, func() error {
			broker.Close()
			return nil
		}, nil
	}
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
