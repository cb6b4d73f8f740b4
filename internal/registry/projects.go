package registry

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/events"
	"carbon-scribe/mrv-registry/internal/store"
)

// CreateProjectRequest holds the fields of a new project.
type CreateProjectRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateProject registers a new active project owned by caller.
func (s *Service) CreateProject(ctx context.Context, caller store.Identity, req CreateProjectRequest) (*store.Project, error) {
	var created *store.Project
	err := s.mutate(ctx, "create_project", func(tx store.Tx) ([]events.Event, error) {
		if err := checkNotPaused(tx); err != nil {
			return nil, err
		}
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		id := strings.TrimSpace(req.ID)
		name := strings.TrimSpace(req.Name)
		if id == "" {
			return nil, validationErr(ReasonInvalidInput, "project id is required")
		}
		if name == "" {
			return nil, validationErr(ReasonInvalidInput, "project name is required")
		}
		if _, err := tx.GetProject(id); err == nil {
			return nil, conflictErr(ReasonDuplicateProject, "project %q already exists", id)
		} else if !isNotFound(err) {
			return nil, err
		}

		project := &store.Project{
			ID:          id,
			Name:        name,
			Description: req.Description,
			Owner:       caller,
			Active:      true,
			CreatedAt:   s.timestamp(),
		}
		if err := tx.InsertProject(project); err != nil {
			return nil, err
		}
		created = project
		return []events.Event{events.New(events.ProjectCreated, string(caller), id, map[string]any{
			"name":  name,
			"owner": string(caller),
		})}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Project created",
		zap.String("project_id", created.ID),
		zap.String("owner", string(caller)))
	return created, nil
}

// SetProjectStatus activates or deactivates a project. Only the owner or an
// Admin may do so.
func (s *Service) SetProjectStatus(ctx context.Context, caller store.Identity, projectID string, active bool) (*store.Project, error) {
	var updated *store.Project
	err := s.mutate(ctx, "set_project_status", func(tx store.Tx) ([]events.Event, error) {
		if err := checkNotPaused(tx); err != nil {
			return nil, err
		}
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		project, err := tx.GetProject(projectID)
		if err != nil {
			return nil, err
		}
		if project.Owner != caller {
			isAdmin, err := tx.HasRole(store.RoleAdmin, caller)
			if err != nil {
				return nil, err
			}
			if !isAdmin {
				return nil, notAuthorizedErr("%s is neither owner of %q nor admin", caller, projectID)
			}
		}
		updated = project
		if project.Active == active {
			return nil, nil
		}
		project.Active = active
		if err := tx.UpdateProject(project); err != nil {
			return nil, err
		}
		return []events.Event{events.New(events.ProjectStatusChanged, string(caller), projectID, map[string]any{
			"active": active,
		})}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetProject returns a project by id.
func (s *Service) GetProject(ctx context.Context, projectID string) (*store.Project, error) {
	var project *store.Project
	err := s.read(ctx, "get_project", func(tx store.ReadTx) error {
		var err error
		project, err = tx.GetProject(projectID)
		return err
	})
	return project, err
}

// GetUserProjects lists the projects owned by owner in creation order.
func (s *Service) GetUserProjects(ctx context.Context, owner store.Identity) ([]*store.Project, error) {
	var projects []*store.Project
	err := s.read(ctx, "get_user_projects", func(tx store.ReadTx) error {
		var err error
		projects, err = tx.ListProjectsByOwner(owner)
		return err
	})
	return projects, err
}

// ListProjects lists every project in creation order.
func (s *Service) ListProjects(ctx context.Context) ([]*store.Project, error) {
	var projects []*store.Project
	err := s.read(ctx, "list_projects", func(tx store.ReadTx) error {
		var err error
		projects, err = tx.ListProjects()
		return err
	})
	return projects, err
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
