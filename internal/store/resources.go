package store

import (
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/clock"
	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/MarcoPoloResearchLab/projectsync/internal/optimistic"
	"go.uber.org/zap"
)

// Projects is the store of projects visible to the principal.
type Projects = Store[entities.Project, entities.CreateProjectInput, entities.UpdateProjectInput]

// Organizations is the store of organizations the principal belongs to.
type Organizations = Store[entities.Organization, entities.CreateOrganizationInput, entities.UpdateOrganizationInput]

// Dependencies are shared by every resource store of one application instance.
type Dependencies struct {
	Principal  PrincipalProvider
	Scheduler  clock.Scheduler
	Logger     *zap.Logger
	CacheTTL   time.Duration
	PurgeDelay time.Duration
}

// NewProjects wires a project store. mutator may be nil.
func NewProjects(deps Dependencies, source Source[entities.Project, entities.CreateProjectInput], mutator Mutator[entities.Project, entities.UpdateProjectInput]) (*Projects, error) {
	return New(Config[entities.Project, entities.CreateProjectInput, entities.UpdateProjectInput]{
		Name:      "projects",
		Source:    source,
		Mutator:   mutator,
		Principal: deps.Principal,
		Ledger: optimistic.NewLedger[entities.Project](optimistic.Config{
			PurgeDelay: deps.PurgeDelay,
			Scheduler:  deps.Scheduler,
			Logger:     deps.Logger,
		}),
		Fabricate: FabricateProject,
		Patch: func(current entities.Project, patch entities.UpdateProjectInput, now time.Time) entities.Project {
			return patch.Apply(current, now)
		},
		CacheTTL:  deps.CacheTTL,
		Scheduler: deps.Scheduler,
		Logger:    deps.Logger,
	})
}

// NewOrganizations wires an organization store. mutator may be nil.
func NewOrganizations(deps Dependencies, source Source[entities.Organization, entities.CreateOrganizationInput], mutator Mutator[entities.Organization, entities.UpdateOrganizationInput]) (*Organizations, error) {
	return New(Config[entities.Organization, entities.CreateOrganizationInput, entities.UpdateOrganizationInput]{
		Name:      "organizations",
		Source:    source,
		Mutator:   mutator,
		Principal: deps.Principal,
		Ledger: optimistic.NewLedger[entities.Organization](optimistic.Config{
			PurgeDelay: deps.PurgeDelay,
			Scheduler:  deps.Scheduler,
			Logger:     deps.Logger,
		}),
		Fabricate: FabricateOrganization,
		Patch: func(current entities.Organization, patch entities.UpdateOrganizationInput, now time.Time) entities.Organization {
			return patch.Apply(current, now)
		},
		CacheTTL:  deps.CacheTTL,
		Scheduler: deps.Scheduler,
		Logger:    deps.Logger,
	})
}

// FabricateProject builds the draft project shown while the create request is in flight.
func FabricateProject(input entities.CreateProjectInput, tempID string, principal entities.PrincipalID, now time.Time) entities.Project {
	return entities.Project{
		ID:             tempID,
		OrganizationID: input.OrganizationID,
		Name:           input.Name,
		Description:    input.Description,
		Slug:           entities.Slugify(input.Name),
		Status:         entities.ProjectStatusDraft,
		CreatedBy:      principal.String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// FabricateOrganization builds the organization shown while the create request is in flight.
func FabricateOrganization(input entities.CreateOrganizationInput, tempID string, principal entities.PrincipalID, now time.Time) entities.Organization {
	return entities.Organization{
		ID:                 tempID,
		Name:               input.Name,
		Slug:               entities.Slugify(input.Name),
		SubscriptionStatus: "free",
		CreatedBy:          principal.String(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
