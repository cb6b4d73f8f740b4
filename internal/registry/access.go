package registry

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/events"
	"carbon-scribe/mrv-registry/internal/store"
)

// ReasonLastAdmin rejects revoking the only remaining Admin.
const ReasonLastAdmin = "LastAdmin"

// Bootstrap grants every role to deployer when the registry has no Admin yet.
// It reports whether anything was granted.
func (s *Service) Bootstrap(ctx context.Context, deployer store.Identity) (bool, error) {
	if err := requireCaller(deployer); err != nil {
		return false, err
	}
	granted := false
	err := s.mutate(ctx, "bootstrap", func(tx store.Tx) ([]events.Event, error) {
		admins, err := tx.RoleMembers(store.RoleAdmin)
		if err != nil {
			return nil, err
		}
		if len(admins) > 0 {
			return nil, nil
		}
		var evts []events.Event
		for _, role := range store.Roles {
			if err := tx.GrantRole(store.RoleGrant{Role: role, Identity: deployer, GrantedAt: s.timestamp()}); err != nil {
				return nil, err
			}
			evts = append(evts, events.New(events.RoleGranted, string(deployer), "", map[string]any{
				"role":     string(role),
				"identity": string(deployer),
			}))
		}
		granted = true
		return evts, nil
	})
	if err != nil {
		return false, err
	}
	if granted {
		s.logger.Info("Registry bootstrapped", zap.String("admin", string(deployer)))
	}
	return granted, nil
}

func validateGrant(role store.Role, who store.Identity) error {
	if !role.Valid() {
		return validationErr(ReasonUnknownRole, "unknown role %q", role)
	}
	if strings.TrimSpace(string(who)) == "" {
		return validationErr(ReasonInvalidInput, "identity is required")
	}
	return nil
}

// GrantRole gives role to who. Granting a held role is a no-op.
func (s *Service) GrantRole(ctx context.Context, caller store.Identity, role store.Role, who store.Identity) error {
	return s.mutate(ctx, "grant_role", func(tx store.Tx) ([]events.Event, error) {
		if err := guard(tx, store.RoleAdmin, caller); err != nil {
			return nil, err
		}
		if err := validateGrant(role, who); err != nil {
			return nil, err
		}
		held, err := tx.HasRole(role, who)
		if err != nil || held {
			return nil, err
		}
		if err := tx.GrantRole(store.RoleGrant{Role: role, Identity: who, GrantedAt: s.timestamp()}); err != nil {
			return nil, err
		}
		return []events.Event{events.New(events.RoleGranted, string(caller), "", map[string]any{
			"role":     string(role),
			"identity": string(who),
		})}, nil
	})
}

// RevokeRole removes role from who. Revoking a role that is not held is a no-op.
func (s *Service) RevokeRole(ctx context.Context, caller store.Identity, role store.Role, who store.Identity) error {
	return s.mutate(ctx, "revoke_role", func(tx store.Tx) ([]events.Event, error) {
		if err := guard(tx, store.RoleAdmin, caller); err != nil {
			return nil, err
		}
		if err := validateGrant(role, who); err != nil {
			return nil, err
		}
		held, err := tx.HasRole(role, who)
		if err != nil || !held {
			return nil, err
		}
		if role == store.RoleAdmin {
			admins, err := tx.RoleMembers(store.RoleAdmin)
			if err != nil {
				return nil, err
			}
			if len(admins) == 1 {
				return nil, conflictErr(ReasonLastAdmin, "cannot revoke the last admin")
			}
		}
		if err := tx.RevokeRole(role, who); err != nil {
			return nil, err
		}
		return []events.Event{events.New(events.RoleRevoked, string(caller), "", map[string]any{
			"role":     string(role),
			"identity": string(who),
		})}, nil
	})
}

// HasRole reports whether who holds role.
func (s *Service) HasRole(ctx context.Context, role store.Role, who store.Identity) (bool, error) {
	var held bool
	err := s.read(ctx, "has_role", func(tx store.ReadTx) error {
		var err error
		held, err = tx.HasRole(role, who)
		return err
	})
	return held, err
}

// RoleMembers lists the identities holding role.
func (s *Service) RoleMembers(ctx context.Context, role store.Role) ([]store.Identity, error) {
	if !role.Valid() {
		return nil, validationErr(ReasonUnknownRole, "unknown role %q", role)
	}
	var members []store.Identity
	err := s.read(ctx, "role_members", func(tx store.ReadTx) error {
		var err error
		members, err = tx.RoleMembers(role)
		return err
	})
	return members, err
}

// SetPaused toggles the registry-wide pause flag. It is the only mutating
// operation allowed while paused.
func (s *Service) SetPaused(ctx context.Context, caller store.Identity, paused bool) error {
	changed := false
	err := s.mutate(ctx, "set_paused", func(tx store.Tx) ([]events.Event, error) {
		if err := requireRole(tx, store.RoleAdmin, caller); err != nil {
			return nil, err
		}
		current, err := tx.Paused()
		if err != nil || current == paused {
			return nil, err
		}
		if err := tx.SetPaused(paused); err != nil {
			return nil, err
		}
		typ := events.RegistryUnpaused
		if paused {
			typ = events.RegistryPaused
		}
		changed = true
		return []events.Event{events.New(typ, string(caller), "", nil)}, nil
	})
	if err == nil && changed {
		s.logger.Warn("Registry pause flag changed",
			zap.Bool("paused", paused),
			zap.String("by", string(caller)))
	}
	return err
}

// Paused reports the pause flag.
func (s *Service) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := s.read(ctx, "paused", func(tx store.ReadTx) error {
		var err error
		paused, err = tx.Paused()
		return err
	})
	return paused, err
}
