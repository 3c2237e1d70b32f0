package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/auth"
	"github.com/MarcoPoloResearchLab/projectsync/internal/crud"
	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "projectsync_principal"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingService          = errors.New("crud service dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Service is the authoritative CRUD backend.
type Service interface {
	ListProjects(ctx context.Context, principal entities.PrincipalID) ([]entities.Project, error)
	CreateProject(ctx context.Context, principal entities.PrincipalID, input entities.CreateProjectInput) (entities.Project, error)
	UpdateProject(ctx context.Context, principal entities.PrincipalID, projectID string, patch entities.UpdateProjectInput) (entities.Project, error)
	DeleteProject(ctx context.Context, principal entities.PrincipalID, projectID string) error
	ListOrganizations(ctx context.Context, principal entities.PrincipalID) ([]entities.Organization, error)
	CreateOrganization(ctx context.Context, principal entities.PrincipalID, input entities.CreateOrganizationInput) (entities.Organization, error)
}

type Dependencies struct {
	Sessions SessionValidator
	Service  Service
	// Realtime serves GET /realtime when set. It authenticates on its own.
	Realtime       http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Service == nil {
		return nil, errMissingService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions: deps.Sessions,
		service:  deps.Service,
		logger:   logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Realtime != nil {
		router.GET("/realtime", gin.WrapH(deps.Realtime))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/projects", handler.handleListProjects)
	protected.POST("/projects", handler.handleCreateProject)
	protected.PATCH("/projects/:id", handler.handleUpdateProject)
	protected.DELETE("/projects/:id", handler.handleDeleteProject)
	protected.GET("/organizations", handler.handleListOrganizations)
	protected.POST("/organizations", handler.handleCreateOrganization)

	return router, nil
}

// corsMiddleware reflects allowed origins with credentials so the session cookie works
// cross-origin. No origins means every origin.
func corsMiddleware(origins ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" && trimmed != "*" {
			allowed[trimmed] = struct{}{}
		}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions SessionValidator
	service  Service
	logger   *zap.Logger
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type projectsPayload struct {
	Projects []entities.Project `json:"projects"`
}

type organizationsPayload struct {
	Organizations []entities.Organization `json:"organizations"`
}

func (h *httpHandler) handleListProjects(c *gin.Context) {
	principal := principalFrom(c)
	projects, err := h.service.ListProjects(c.Request.Context(), principal)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if projects == nil {
		projects = []entities.Project{}
	}
	c.JSON(http.StatusOK, projectsPayload{Projects: projects})
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	var request entities.CreateProjectInput
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid request body", Code: "invalid_request"})
		return
	}
	project, err := h.service.CreateProject(c.Request.Context(), principalFrom(c), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *httpHandler) handleUpdateProject(c *gin.Context) {
	var request entities.UpdateProjectInput
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid request body", Code: "invalid_request"})
		return
	}
	project, err := h.service.UpdateProject(c.Request.Context(), principalFrom(c), c.Param("id"), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *httpHandler) handleDeleteProject(c *gin.Context) {
	if err := h.service.DeleteProject(c.Request.Context(), principalFrom(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListOrganizations(c *gin.Context) {
	organizations, err := h.service.ListOrganizations(c.Request.Context(), principalFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if organizations == nil {
		organizations = []entities.Organization{}
	}
	c.JSON(http.StatusOK, organizationsPayload{Organizations: organizations})
}

func (h *httpHandler) handleCreateOrganization(c *gin.Context) {
	var request entities.CreateOrganizationInput
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid request body", Code: "invalid_request"})
		return
	}
	organization, err := h.service.CreateOrganization(c.Request.Context(), principalFrom(c), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, organization)
}

// respondError maps service failures onto HTTP statuses. Validation and lookup failures
// carry their message; anything else is reported generically.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := "internal_error"
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	switch {
	case errors.Is(err, crud.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorPayload{Error: rootMessage(err), Code: code})
	case errors.Is(err, crud.ErrNotFound):
		c.JSON(http.StatusNotFound, errorPayload{Error: rootMessage(err), Code: code})
	default:
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: "internal error", Code: code})
	}
}

// rootMessage strips the coded prefix so clients see "crud: invalid input: name is required".
func rootMessage(err error) string {
	if unwrapped := errors.Unwrap(err); unwrapped != nil {
		return unwrapped.Error()
	}
	return err.Error()
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized", Code: "unauthorized"})
		return
	}
	principal, err := entities.NewPrincipalID(claims.Subject)
	if err != nil {
		h.logger.Warn("token subject rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized", Code: "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) entities.PrincipalID {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return ""
	}
	principal, _ := value.(entities.PrincipalID)
	return principal
}
