package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("entities: invalid project id")
	// ErrInvalidPrincipalID indicates that a principal identifier is empty or exceeds storage bounds.
	ErrInvalidPrincipalID = errors.New("entities: invalid principal id")
	// ErrInvalidProjectStatus indicates an unknown project status value.
	ErrInvalidProjectStatus = errors.New("entities: invalid project status")
)

// Identifiable is implemented by every collection member.
type Identifiable interface {
	EntityID() string
}

// ProjectID represents a validated project identifier.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidProjectID)
	if err != nil {
		return "", err
	}
	return ProjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// PrincipalID identifies the authenticated user on whose behalf data is loaded.
type PrincipalID string

// NewPrincipalID validates raw input and returns a PrincipalID.
func NewPrincipalID(rawInput string) (PrincipalID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidPrincipalID)
	if err != nil {
		return "", err
	}
	return PrincipalID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PrincipalID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// ProjectStatus enumerates project lifecycle states.
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
	ProjectStatusDraft    ProjectStatus = "draft"
)

// ParseProjectStatus validates a raw status string.
func ParseProjectStatus(value string) (ProjectStatus, error) {
	switch ProjectStatus(strings.ToLower(strings.TrimSpace(value))) {
	case ProjectStatusActive:
		return ProjectStatusActive, nil
	case ProjectStatusArchived:
		return ProjectStatusArchived, nil
	case ProjectStatusDraft:
		return ProjectStatusDraft, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProjectStatus, value)
	}
}

// Project is a unit of work owned by an organization.
type Project struct {
	ID             string        `json:"id" gorm:"column:id;primaryKey;size:190;not null"`
	OrganizationID string        `json:"organization_id" gorm:"column:organization_id;size:190;not null;index:idx_projects_org_slug,priority:1"`
	Name           string        `json:"name" gorm:"column:name;size:320;not null"`
	Description    string        `json:"description,omitempty" gorm:"column:description;type:text"`
	Slug           string        `json:"slug" gorm:"column:slug;size:190;not null;default:'';index:idx_projects_org_slug,priority:2"`
	Status         ProjectStatus `json:"status" gorm:"column:status;size:32;not null;default:'active';index:idx_projects_owner_status,priority:2"`
	CreatedBy      string        `json:"created_by" gorm:"column:created_by;size:190;not null;index:idx_projects_owner_status,priority:1"`
	CreatedAt      time.Time     `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt      time.Time     `json:"updated_at" gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// EntityID returns the project identifier.
func (p Project) EntityID() string {
	return p.ID
}

// Organization groups projects and members.
type Organization struct {
	ID                 string    `json:"id" gorm:"column:id;primaryKey;size:190;not null"`
	Name               string    `json:"name" gorm:"column:name;size:320;not null"`
	Slug               string    `json:"slug" gorm:"column:slug;size:190;not null;uniqueIndex"`
	SubscriptionStatus string    `json:"subscription_status" gorm:"column:subscription_status;size:64;not null;default:'free'"`
	CreatedBy          string    `json:"created_by" gorm:"column:created_by;size:190;not null;index"`
	CreatedAt          time.Time `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt          time.Time `json:"updated_at" gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Organization) TableName() string {
	return "organizations"
}

// EntityID returns the organization identifier.
func (o Organization) EntityID() string {
	return o.ID
}

// CreateProjectInput carries the caller-supplied fields for a new project.
type CreateProjectInput struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	OrganizationID string `json:"organization_id"`
}

// UpdateProjectInput carries a partial project update. Nil fields are left untouched.
type UpdateProjectInput struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Status      *ProjectStatus `json:"status,omitempty"`
}

// Apply returns a copy of project with the patch applied.
func (input UpdateProjectInput) Apply(project Project, updatedAt time.Time) Project {
	patched := project
	if input.Name != nil {
		patched.Name = *input.Name
	}
	if input.Description != nil {
		patched.Description = *input.Description
	}
	if input.Status != nil {
		patched.Status = *input.Status
	}
	patched.UpdatedAt = updatedAt
	return patched
}

// CreateOrganizationInput carries the caller-supplied fields for a new organization.
type CreateOrganizationInput struct {
	Name string `json:"name"`
}

// UpdateOrganizationInput carries a partial organization update.
type UpdateOrganizationInput struct {
	Name *string `json:"name,omitempty"`
}

// Apply returns a copy of organization with the patch applied.
func (input UpdateOrganizationInput) Apply(organization Organization, updatedAt time.Time) Organization {
	patched := organization
	if input.Name != nil {
		patched.Name = *input.Name
	}
	patched.UpdatedAt = updatedAt
	return patched
}
