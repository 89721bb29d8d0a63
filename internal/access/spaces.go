package access

import (
	"strings"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

// CreateSpace creates a space with its All Features and Default sets. The
// first space ever created becomes the active one.
func (s *Service) CreateSpace(name string) (*contracts.Space, error) {
	const op = "access.create_space"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, gwerr.Invalid(op, "space name is required")
	}

	var created *contracts.Space
	err := s.mutate(op, func(t *txn) error {
		for _, sp := range t.next.Spaces {
			if strings.EqualFold(sp.Name, name) {
				return gwerr.Invalid(op, "space %q already exists", name)
			}
		}
		sp := &contracts.Space{ID: s.newID(), Name: name, CreatedAt: t.now}
		if t.next.ActiveSpaceID == "" {
			sp.IsActive = true
			t.next.ActiveSpaceID = sp.ID
			t.write(func(tx *storage.Tx) error { return tx.SetActiveSpace(sp.ID) })
			t.emit(spaceEvent(eventbus.EventTypeActiveSpaceChanged, sp.ID, map[string]any{"name": name}))
		}
		t.putSpace(sp)
		for _, builtin := range []string{contracts.BuiltinAllFeatures, contracts.BuiltinDefault} {
			t.putFeatureSet(&contracts.FeatureSet{
				ID:        s.newID(),
				SpaceID:   sp.ID,
				Name:      builtin,
				Kind:      contracts.FeatureSetBuiltin,
				CreatedAt: t.now,
			})
		}
		t.emit(spaceEvent(eventbus.EventTypeSpacesChanged, sp.ID, map[string]any{"action": "created", "name": name}))
		created = sp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RenameSpace changes a space's display name.
func (s *Service) RenameSpace(id, name string) error {
	const op = "access.rename_space"
	name = strings.TrimSpace(name)
	if name == "" {
		return gwerr.Invalid(op, "space name is required")
	}
	return s.mutate(op, func(t *txn) error {
		sp, ok := t.next.Spaces[id]
		if !ok {
			return gwerr.NotFound(op, "space", id)
		}
		if sp.Name == name {
			return nil
		}
		for _, other := range t.next.Spaces {
			if other.ID != id && strings.EqualFold(other.Name, name) {
				return gwerr.Invalid(op, "space %q already exists", name)
			}
		}
		ns := *sp
		ns.Name = name
		t.putSpace(&ns)
		t.emit(spaceEvent(eventbus.EventTypeSpacesChanged, id, map[string]any{"action": "renamed", "name": name}))
		return nil
	})
}

// DeleteSpace removes an empty, inactive space with its feature sets and
// every grant into it. Clients locked to it fall back to following the
// active space.
func (s *Service) DeleteSpace(id string) error {
	const op = "access.delete_space"
	return s.mutate(op, func(t *txn) error {
		sp, ok := t.next.Spaces[id]
		if !ok {
			return gwerr.NotFound(op, "space", id)
		}
		if t.next.ActiveSpaceID == id {
			return gwerr.Invalid(op, "the active space cannot be deleted")
		}
		if n := len(t.next.InstallationsIn(id)); n > 0 {
			return gwerr.Invalid(op, "space %q still has %d installation(s)", sp.Name, n)
		}

		for _, fs := range t.next.FeatureSetsIn(id) {
			delete(t.next.FeatureSets, fs.ID)
			fsID := fs.ID
			t.write(func(tx *storage.Tx) error { return tx.DeleteFeatureSet(fsID) })
		}
		for _, c := range t.next.Clients {
			_, granted := c.Grants[id]
			if !granted && c.ChosenSpaceID != id && c.LockedSpaceID != id {
				continue
			}
			nc := cloneClient(c)
			delete(nc.Grants, id)
			if nc.ChosenSpaceID == id {
				nc.ChosenSpaceID = ""
			}
			if nc.LockedSpaceID == id {
				nc.LockedSpaceID = ""
				nc.Mode = contracts.ModeFollowActive
			}
			t.putClient(nc)
			t.emit(clientEvent(eventbus.EventTypeGrantsChanged, nc.ID, id, nil))
		}

		delete(t.next.Spaces, id)
		t.write(func(tx *storage.Tx) error { return tx.DeleteSpace(id) })
		t.emit(spaceEvent(eventbus.EventTypeSpacesChanged, id, map[string]any{"action": "deleted", "name": sp.Name}))
		return nil
	})
}

// SetActiveSpace switches the process-wide active space. Sessions of
// follow-active clients see the switch on their next request.
func (s *Service) SetActiveSpace(id string) error {
	const op = "access.set_active_space"
	return s.mutate(op, func(t *txn) error {
		sp, ok := t.next.Spaces[id]
		if !ok {
			return gwerr.NotFound(op, "space", id)
		}
		prev := t.next.ActiveSpaceID
		if prev == id {
			return nil
		}
		if old, ok := t.next.Spaces[prev]; ok {
			o := *old
			o.IsActive = false
			t.putSpace(&o)
		}
		ns := *sp
		ns.IsActive = true
		t.putSpace(&ns)
		t.next.ActiveSpaceID = id
		t.write(func(tx *storage.Tx) error { return tx.SetActiveSpace(id) })
		t.emit(spaceEvent(eventbus.EventTypeActiveSpaceChanged, id, map[string]any{
			"previous": prev,
			"name":     sp.Name,
		}))
		return nil
	})
}

// SpaceByName finds a space by case-insensitive name or by id.
func (s *Snapshot) SpaceByName(nameOrID string) *contracts.Space {
	if sp, ok := s.Spaces[nameOrID]; ok {
		return sp
	}
	for _, sp := range s.Spaces {
		if strings.EqualFold(sp.Name, nameOrID) {
			return sp
		}
	}
	return nil
}
