// Package crud is the authoritative project and organization service. It persists through
// GORM and publishes a change event for every committed write.
package crud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultListLimit bounds list queries.
const DefaultListLimit = 50

const defaultSubscriptionStatus = "free"

var (
	// ErrNotFound is returned when the target row does not exist or is not visible to the principal.
	ErrNotFound = errors.New("crud: record not found")
	// ErrInvalidInput is returned when caller-supplied fields fail validation.
	ErrInvalidInput = errors.New("crud: invalid input")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingPrincipal  = errors.New("principal identifier is required")
	errMissingName       = fmt.Errorf("%w: name is required", ErrInvalidInput)
	errMissingOrgID      = fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	errSlugExhausted     = errors.New("no free slug")
	noOpLogger           = zap.NewNop()
)

// ServiceError is a coded failure. Codes are "<operation>.<reason>".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "crud.service.new"
	opListProjects       = "projects.list"
	opCreateProject      = "projects.create"
	opUpdateProject      = "projects.update"
	opDeleteProject      = "projects.delete"
	opListOrganizations  = "organizations.list"
	opCreateOrganization = "organizations.create"
	opPublishChange      = "crud.publish_change"
)

const (
	maxSlugAttempts    = 1000
	projectsTable      = "projects"
	organizationsTable = "organizations"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider entities.IDProvider
	// Publisher receives committed changes. Nil disables publishing.
	Publisher  realtime.Publisher
	Logger     *zap.Logger
	ListLimit  int
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider entities.IDProvider
	publisher  realtime.Publisher
	logger     *zap.Logger
	listLimit  int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	limit := cfg.ListLimit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
		listLimit:  limit,
	}, nil
}

// ListProjects returns the principal's non-archived projects, newest first.
func (s *Service) ListProjects(ctx context.Context, principal entities.PrincipalID) ([]entities.Project, error) {
	if principal == "" {
		s.logError(opListProjects, "missing_principal", errMissingPrincipal)
		return nil, newServiceError(opListProjects, "missing_principal", errMissingPrincipal)
	}

	var projects []entities.Project
	if err := s.db.WithContext(ctx).
		Where("created_by = ? AND status <> ?", principal.String(), entities.ProjectStatusArchived).
		Order("created_at DESC").
		Limit(s.listLimit).
		Find(&projects).Error; err != nil {
		s.logError(opListProjects, "query_failed", err, zap.String("principal", principal.String()))
		return nil, newServiceError(opListProjects, "query_failed", err)
	}
	return projects, nil
}

// CreateProject inserts a project under an organization owned by principal. The slug is
// derived from the name and made unique within the organization.
func (s *Service) CreateProject(ctx context.Context, principal entities.PrincipalID, input entities.CreateProjectInput) (entities.Project, error) {
	if principal == "" {
		s.logError(opCreateProject, "missing_principal", errMissingPrincipal)
		return entities.Project{}, newServiceError(opCreateProject, "missing_principal", errMissingPrincipal)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return entities.Project{}, newServiceError(opCreateProject, "missing_name", errMissingName)
	}
	organizationID := strings.TrimSpace(input.OrganizationID)
	if organizationID == "" {
		return entities.Project{}, newServiceError(opCreateProject, "missing_organization_id", errMissingOrgID)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateProject, "id_generation_failed", err)
		return entities.Project{}, newServiceError(opCreateProject, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	project := entities.Project{
		ID:             id,
		OrganizationID: organizationID,
		Name:           name,
		Description:    strings.TrimSpace(input.Description),
		Status:         entities.ProjectStatusActive,
		CreatedBy:      principal.String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var organization entities.Organization
		err := tx.Where("id = ? AND created_by = ?", organizationID, principal.String()).Take(&organization).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCreateProject, "organization_not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(opCreateProject, "organization_select_failed", err,
				zap.String("organization_id", organizationID))
			return newServiceError(opCreateProject, "organization_select_failed", err)
		}

		slug, err := allocateSlug(tx.Model(&entities.Project{}).Where("organization_id = ?", organizationID), name)
		if err != nil {
			s.logError(opCreateProject, "slug_allocation_failed", err,
				zap.String("organization_id", organizationID))
			return newServiceError(opCreateProject, "slug_allocation_failed", err)
		}
		project.Slug = slug

		if err := tx.Create(&project).Error; err != nil {
			s.logError(opCreateProject, "insert_failed", err,
				zap.String("organization_id", organizationID),
				zap.String("project_id", id))
			return newServiceError(opCreateProject, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return entities.Project{}, txErr
	}

	s.publish(ctx, projectsTable, realtime.EventInsert, principal, project, nil)
	return project, nil
}

// UpdateProject applies patch to a project owned by principal.
func (s *Service) UpdateProject(ctx context.Context, principal entities.PrincipalID, projectID string, patch entities.UpdateProjectInput) (entities.Project, error) {
	if principal == "" {
		s.logError(opUpdateProject, "missing_principal", errMissingPrincipal)
		return entities.Project{}, newServiceError(opUpdateProject, "missing_principal", errMissingPrincipal)
	}
	if patch.Name != nil {
		trimmed := strings.TrimSpace(*patch.Name)
		if trimmed == "" {
			return entities.Project{}, newServiceError(opUpdateProject, "missing_name", errMissingName)
		}
		patch.Name = &trimmed
	}
	if patch.Status != nil {
		status, err := entities.ParseProjectStatus(string(*patch.Status))
		if err != nil {
			return entities.Project{}, newServiceError(opUpdateProject, "invalid_status", fmt.Errorf("%w: %v", ErrInvalidInput, err))
		}
		patch.Status = &status
	}

	var previous, updated entities.Project
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.ownedProject(tx, opUpdateProject, principal, projectID)
		if err != nil {
			return err
		}
		previous = existing
		updated = patch.Apply(existing, s.clock().UTC())
		if err := tx.Save(&updated).Error; err != nil {
			s.logError(opUpdateProject, "save_failed", err, zap.String("project_id", projectID))
			return newServiceError(opUpdateProject, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return entities.Project{}, txErr
	}

	s.publish(ctx, projectsTable, realtime.EventUpdate, principal, updated, previous)
	return updated, nil
}

// DeleteProject archives a project owned by principal. Archived projects leave every list,
// so subscribers receive a DELETE carrying the archived row.
func (s *Service) DeleteProject(ctx context.Context, principal entities.PrincipalID, projectID string) error {
	if principal == "" {
		s.logError(opDeleteProject, "missing_principal", errMissingPrincipal)
		return newServiceError(opDeleteProject, "missing_principal", errMissingPrincipal)
	}

	var archived entities.Project
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.ownedProject(tx, opDeleteProject, principal, projectID)
		if err != nil {
			return err
		}
		archived = existing
		archived.Status = entities.ProjectStatusArchived
		archived.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&archived).Error; err != nil {
			s.logError(opDeleteProject, "archive_failed", err, zap.String("project_id", projectID))
			return newServiceError(opDeleteProject, "archive_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	s.publish(ctx, projectsTable, realtime.EventDelete, principal, nil, archived)
	return nil
}

// ListOrganizations returns the organizations created by principal, newest first.
func (s *Service) ListOrganizations(ctx context.Context, principal entities.PrincipalID) ([]entities.Organization, error) {
	if principal == "" {
		s.logError(opListOrganizations, "missing_principal", errMissingPrincipal)
		return nil, newServiceError(opListOrganizations, "missing_principal", errMissingPrincipal)
	}

	var organizations []entities.Organization
	if err := s.db.WithContext(ctx).
		Where("created_by = ?", principal.String()).
		Order("created_at DESC").
		Limit(s.listLimit).
		Find(&organizations).Error; err != nil {
		s.logError(opListOrganizations, "query_failed", err, zap.String("principal", principal.String()))
		return nil, newServiceError(opListOrganizations, "query_failed", err)
	}
	return organizations, nil
}

// CreateOrganization inserts an organization with a globally unique slug.
func (s *Service) CreateOrganization(ctx context.Context, principal entities.PrincipalID, input entities.CreateOrganizationInput) (entities.Organization, error) {
	if principal == "" {
		s.logError(opCreateOrganization, "missing_principal", errMissingPrincipal)
		return entities.Organization{}, newServiceError(opCreateOrganization, "missing_principal", errMissingPrincipal)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return entities.Organization{}, newServiceError(opCreateOrganization, "missing_name", errMissingName)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateOrganization, "id_generation_failed", err)
		return entities.Organization{}, newServiceError(opCreateOrganization, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	organization := entities.Organization{
		ID:                 id,
		Name:               name,
		SubscriptionStatus: defaultSubscriptionStatus,
		CreatedBy:          principal.String(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		slug, err := allocateSlug(tx.Model(&entities.Organization{}), name)
		if err != nil {
			s.logError(opCreateOrganization, "slug_allocation_failed", err)
			return newServiceError(opCreateOrganization, "slug_allocation_failed", err)
		}
		organization.Slug = slug
		if err := tx.Create(&organization).Error; err != nil {
			s.logError(opCreateOrganization, "insert_failed", err, zap.String("organization_id", id))
			return newServiceError(opCreateOrganization, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return entities.Organization{}, txErr
	}

	s.publish(ctx, organizationsTable, realtime.EventInsert, principal, organization, nil)
	return organization, nil
}

func (s *Service) ownedProject(tx *gorm.DB, operation string, principal entities.PrincipalID, projectID string) (entities.Project, error) {
	id, err := entities.NewProjectID(projectID)
	if err != nil {
		return entities.Project{}, newServiceError(operation, "invalid_project_id", fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	var project entities.Project
	err = tx.Where("id = ? AND created_by = ? AND status <> ?", id.String(), principal.String(), entities.ProjectStatusArchived).
		Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entities.Project{}, newServiceError(operation, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(operation, "project_select_failed", err, zap.String("project_id", projectID))
		return entities.Project{}, newServiceError(operation, "project_select_failed", err)
	}
	return project, nil
}

// allocateSlug returns the first of base, base-1, base-2, ... that no row in scope uses.
func allocateSlug(scope *gorm.DB, name string) (string, error) {
	base := entities.Slugify(name)
	if base == "" {
		base = "untitled"
	}
	candidate := base
	for counter := 1; counter <= maxSlugAttempts; counter++ {
		var count int64
		if err := scope.Session(&gorm.Session{}).Where("slug = ?", candidate).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, counter)
	}
	return "", fmt.Errorf("%w for %q", errSlugExhausted, base)
}

// publish runs after commit. A failed publish is logged and never fails the write.
func (s *Service) publish(ctx context.Context, table string, kind realtime.EventKind, principal entities.PrincipalID, newRow, oldRow any) {
	if s.publisher == nil {
		return
	}
	event := realtime.ChangeEvent{
		Schema:          realtime.DefaultSchema,
		Table:           table,
		Kind:            kind,
		CommitTimestamp: s.clock().UTC(),
		Owner:           principal.String(),
	}
	var err error
	if newRow != nil {
		if event.New, err = json.Marshal(newRow); err != nil {
			s.logError(opPublishChange, "encode_failed", err, zap.String("table", table))
			return
		}
	}
	if oldRow != nil {
		if event.Old, err = json.Marshal(oldRow); err != nil {
			s.logError(opPublishChange, "encode_failed", err, zap.String("table", table))
			return
		}
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.loggerOrDefault().Warn("change publish failed",
			zap.String("operation", opPublishChange),
			zap.String("table", table),
			zap.String("event", string(kind)),
			zap.Error(err))
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("crud service error", attrs...)
}
