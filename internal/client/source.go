package client

import (
	"context"

	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
)

// ProjectSource serves the project store. The session token already identifies the
// principal, so the principal argument is not sent.
type ProjectSource struct {
	Client *Client
}

func (s ProjectSource) List(ctx context.Context, _ entities.PrincipalID) ([]entities.Project, error) {
	return s.Client.ListProjects(ctx)
}

func (s ProjectSource) Create(ctx context.Context, _ entities.PrincipalID, input entities.CreateProjectInput) (entities.Project, error) {
	return s.Client.CreateProject(ctx, input)
}

func (s ProjectSource) Update(ctx context.Context, _ entities.PrincipalID, id string, patch entities.UpdateProjectInput) (entities.Project, error) {
	return s.Client.UpdateProject(ctx, id, patch)
}

func (s ProjectSource) Delete(ctx context.Context, _ entities.PrincipalID, id string) error {
	return s.Client.DeleteProject(ctx, id)
}

// OrganizationSource serves the organization store. Organizations cannot be edited
// through the API, so it is not a Mutator.
type OrganizationSource struct {
	Client *Client
}

func (s OrganizationSource) List(ctx context.Context, _ entities.PrincipalID) ([]entities.Organization, error) {
	return s.Client.ListOrganizations(ctx)
}

func (s OrganizationSource) Create(ctx context.Context, _ entities.PrincipalID, input entities.CreateOrganizationInput) (entities.Organization, error) {
	return s.Client.CreateOrganization(ctx, input)
}
