// Package debugview serves a read-only JSON view of the client's realtime subscriptions
// and pending optimistic updates. It is meant for local development only.
package debugview

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/MarcoPoloResearchLab/projectsync/internal/optimistic"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingInspector = errors.New("debugview: realtime inspector is required")

// Inspector exposes the realtime manager snapshot.
type Inspector interface {
	Debug() realtime.DebugSnapshot
}

// PendingUpdate is the type-erased view of one ledger entry.
type PendingUpdate struct {
	ID        string          `json:"id"`
	Kind      optimistic.Kind `json:"kind"`
	EntityID  string          `json:"entity_id"`
	Timestamp time.Time       `json:"timestamp"`
	Confirmed bool            `json:"confirmed"`
}

// PendingFunc lists the pending updates of one store.
type PendingFunc func() []PendingUpdate

// Ledger adapts a typed ledger to a PendingFunc.
func Ledger[T entities.Identifiable](ledger *optimistic.Ledger[T]) PendingFunc {
	return func() []PendingUpdate {
		updates := ledger.Updates()
		views := make([]PendingUpdate, 0, len(updates))
		for _, update := range updates {
			views = append(views, PendingUpdate{
				ID:        update.ID,
				Kind:      update.Kind,
				EntityID:  update.Data.EntityID(),
				Timestamp: update.Timestamp,
				Confirmed: update.Confirmed,
			})
		}
		return views
	}
}

// Config wires the handler.
type Config struct {
	Inspector Inspector
	// Pending maps a store name to its ledger view.
	Pending map[string]PendingFunc
	Logger  *zap.Logger
}

type view struct {
	inspector Inspector
	pending   map[string]PendingFunc
	logger    *zap.Logger
}

// NewHandler builds the gin engine serving /debug, /debug/realtime and /debug/pending.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Inspector == nil {
		return nil, errMissingInspector
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &view{inspector: cfg.Inspector, pending: cfg.Pending, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/debug", v.handleAll)
	router.GET("/debug/realtime", v.handleRealtime)
	router.GET("/debug/pending", v.handlePending)
	return router, nil
}

func (v *view) handleAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"realtime": v.snapshot(),
		"pending":  v.pendingByStore(),
	})
}

func (v *view) handleRealtime(c *gin.Context) {
	c.JSON(http.StatusOK, v.snapshot())
}

func (v *view) handlePending(c *gin.Context) {
	if name := c.Query("store"); name != "" {
		pending, ok := v.pending[name]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown store"})
			return
		}
		c.JSON(http.StatusOK, gin.H{name: pending()})
		return
	}
	c.JSON(http.StatusOK, v.pendingByStore())
}

func (v *view) snapshot() realtime.DebugSnapshot {
	snapshot := v.inspector.Debug()
	v.logger.Debug("debug snapshot served",
		zap.Int("subscriptions", len(snapshot.Subscriptions)),
		zap.String("connection", string(snapshot.Connection.State)))
	return snapshot
}

func (v *view) pendingByStore() map[string][]PendingUpdate {
	result := make(map[string][]PendingUpdate, len(v.pending))
	for name, pending := range v.pending {
		result[name] = pending()
	}
	return result
}
