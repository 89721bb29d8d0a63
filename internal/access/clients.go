package access

import (
	"errors"
	"time"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

// RegisterClient records a downstream client identity. Registering an
// existing id only refreshes its name. Unapproved clients raise an
// approval request.
func (s *Service) RegisterClient(id, name string, approved bool) (*contracts.Client, error) {
	const op = "access.register_client"
	if id == "" {
		return nil, gwerr.Invalid(op, "client id is required")
	}
	var out *contracts.Client
	err := s.mutate(op, func(t *txn) error {
		if cur, ok := t.next.Clients[id]; ok {
			out = cur
			if name == "" || cur.Name == name {
				return nil
			}
			nc := cloneClient(cur)
			nc.Name = name
			t.putClient(nc)
			out = nc
			return nil
		}
		c := &contracts.Client{
			ID:           id,
			Name:         name,
			Approved:     approved,
			Mode:         contracts.ModeFollowActive,
			Grants:       map[string][]string{},
			RegisteredAt: t.now,
		}
		t.putClient(c)
		t.emit(clientEvent(eventbus.EventTypeClientRegistered, id, "", map[string]any{"name": name, "approved": approved}))
		if !approved {
			t.emit(clientEvent(eventbus.EventTypeClientApprovalRequested, id, "", map[string]any{"name": name, "reason": "unapproved"}))
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApproveClient sets the client's approval flag.
func (s *Service) ApproveClient(id string, approved bool) error {
	const op = "access.approve_client"
	return s.updateClient(op, id, func(t *txn, c *contracts.Client) error {
		if c.Approved == approved {
			return errUnchanged
		}
		c.Approved = approved
		t.emit(clientEvent(eventbus.EventTypeGrantsChanged, c.ID, "", map[string]any{"approved": approved}))
		return nil
	})
}

// SetConnectionMode changes how the client's sessions pick a space.
// locked-to-space requires spaceID; the other modes ignore it.
func (s *Service) SetConnectionMode(id string, mode contracts.ConnectionMode, spaceID string) error {
	const op = "access.set_connection_mode"
	if !mode.Valid() {
		return gwerr.Invalid(op, "unknown connection mode %q", mode)
	}
	return s.updateClient(op, id, func(t *txn, c *contracts.Client) error {
		c.Mode = mode
		c.LockedSpaceID = ""
		if mode == contracts.ModeLockedToSpace {
			if _, ok := t.next.Spaces[spaceID]; !ok {
				return gwerr.NotFound(op, "space", spaceID)
			}
			c.LockedSpaceID = spaceID
		}
		t.emit(clientEvent(eventbus.EventTypeGrantsChanged, c.ID, "", map[string]any{"mode": string(mode)}))
		return nil
	})
}

// ChooseSpace records the space an ask-mode client's sessions use.
func (s *Service) ChooseSpace(id, spaceID string) error {
	const op = "access.choose_space"
	return s.updateClient(op, id, func(t *txn, c *contracts.Client) error {
		if _, ok := t.next.Spaces[spaceID]; !ok {
			return gwerr.NotFound(op, "space", spaceID)
		}
		c.ChosenSpaceID = spaceID
		t.emit(clientEvent(eventbus.EventTypeGrantsChanged, c.ID, spaceID, nil))
		return nil
	})
}

// Grant gives the client a feature set of a space. Granting Default is a
// no-op since Default is always granted.
func (s *Service) Grant(clientID, spaceID, featureSetID string) error {
	const op = "access.grant"
	return s.updateClient(op, clientID, func(t *txn, c *contracts.Client) error {
		fs, ok := t.next.FeatureSets[featureSetID]
		if !ok || fs.SpaceID != spaceID {
			return gwerr.NotFound(op, "feature set", featureSetID)
		}
		if fs.IsDefault() || containsString(c.Grants[spaceID], featureSetID) {
			return errUnchanged
		}
		c.Grants[spaceID] = append(c.Grants[spaceID], featureSetID)
		t.emit(clientEvent(eventbus.EventTypeGrantsChanged, c.ID, spaceID, map[string]any{"granted": featureSetID}))
		return nil
	})
}

// Revoke removes a granted feature set. Default cannot be revoked.
func (s *Service) Revoke(clientID, spaceID, featureSetID string) error {
	const op = "access.revoke"
	return s.updateClient(op, clientID, func(t *txn, c *contracts.Client) error {
		if fs, ok := t.next.FeatureSets[featureSetID]; ok && fs.IsDefault() {
			return gwerr.Invalid(op, "the Default feature set is always granted")
		}
		if !containsString(c.Grants[spaceID], featureSetID) {
			return errUnchanged
		}
		c.Grants[spaceID] = removeString(c.Grants[spaceID], featureSetID)
		if len(c.Grants[spaceID]) == 0 {
			delete(c.Grants, spaceID)
		}
		t.emit(clientEvent(eventbus.EventTypeGrantsChanged, c.ID, spaceID, map[string]any{"revoked": featureSetID}))
		return nil
	})
}

// TouchClient records client activity.
func (s *Service) TouchClient(id string, at time.Time) error {
	return s.updateClient("access.touch_client", id, func(_ *txn, c *contracts.Client) error {
		c.LastSeen = at
		return nil
	})
}

// DeleteClient forgets a client and its grants.
func (s *Service) DeleteClient(id string) error {
	const op = "access.delete_client"
	return s.mutate(op, func(t *txn) error {
		if _, ok := t.next.Clients[id]; !ok {
			return gwerr.NotFound(op, "client", id)
		}
		delete(t.next.Clients, id)
		t.write(func(tx *storage.Tx) error { return tx.DeleteClient(id) })
		t.emit(clientEvent(eventbus.EventTypeGrantsChanged, id, "", map[string]any{"deleted": true}))
		return nil
	})
}

// ResolveSession binds a new session of clientID to a space. When the
// client needs user action (not approved, or ask mode without a choice)
// an approval request is published alongside the permission error.
func (s *Service) ResolveSession(clientID string) (string, error) {
	snap := s.Current()
	spaceID, err := snap.ResolveSpace(clientID)
	if err == nil {
		return spaceID, nil
	}
	if c, ok := snap.Clients[clientID]; ok && s.bus != nil {
		reason := "unapproved"
		if c.Approved {
			reason = "space_choice"
		}
		s.bus.Publish(clientEvent(eventbus.EventTypeClientApprovalRequested, clientID, "", map[string]any{
			"name":   c.Name,
			"reason": reason,
		}))
	}
	return "", err
}

// errUnchanged aborts an updateClient callback without writing.
var errUnchanged = errors.New("unchanged")

func (s *Service) updateClient(op, id string, fn func(t *txn, c *contracts.Client) error) error {
	return s.mutate(op, func(t *txn) error {
		cur, ok := t.next.Clients[id]
		if !ok {
			return gwerr.NotFound(op, "client", id)
		}
		nc := cloneClient(cur)
		if err := fn(t, nc); err != nil {
			if errors.Is(err, errUnchanged) {
				return nil
			}
			return err
		}
		t.putClient(nc)
		return nil
	})
}
