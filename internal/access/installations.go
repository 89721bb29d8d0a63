package access

import (
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

// AddInstallation adds an installation to the catalog. The alias must be
// valid and unique within the space.
func (s *Service) AddInstallation(inst contracts.Installation) (*contracts.Installation, error) {
	const op = "access.add_installation"
	if err := contracts.ValidateAlias(inst.Alias); err != nil {
		return nil, gwerr.E(gwerr.KindInvalid, op, err)
	}
	if err := inst.Transport.Validate(); err != nil {
		return nil, gwerr.E(gwerr.KindInvalid, op, err)
	}

	var created *contracts.Installation
	err := s.mutate(op, func(t *txn) error {
		if _, ok := t.next.Spaces[inst.SpaceID]; !ok {
			return gwerr.NotFound(op, "space", inst.SpaceID)
		}
		if t.next.InstallationByAlias(inst.SpaceID, inst.Alias) != nil {
			return gwerr.Invalid(op, "alias %q is already used in this space", inst.Alias)
		}
		ni := inst
		if ni.ID == "" {
			ni.ID = s.newID()
		} else if _, exists := t.next.Installations[ni.ID]; exists {
			return gwerr.Invalid(op, "installation %q already exists", ni.ID)
		}
		ni.CreatedAt = t.now
		ni.UpdatedAt = t.now
		t.putInstallation(&ni)
		t.emit(installationEvent(&ni, "installed"))
		created = &ni
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateInstallation applies fn to a copy of the installation and stores
// it. The id and space are immutable; a new alias is revalidated and the
// server-all set follows the rename.
func (s *Service) UpdateInstallation(id string, fn func(*contracts.Installation) error) (*contracts.Installation, error) {
	const op = "access.update_installation"
	var updated *contracts.Installation
	err := s.mutate(op, func(t *txn) error {
		cur, ok := t.next.Installations[id]
		if !ok {
			return gwerr.NotFound(op, "installation", id)
		}
		ni := *cur
		ni.InputValues = make(map[string][]byte, len(cur.InputValues))
		for k, v := range cur.InputValues {
			ni.InputValues[k] = v
		}
		if err := fn(&ni); err != nil {
			return err
		}
		ni.ID, ni.SpaceID, ni.CreatedAt = cur.ID, cur.SpaceID, cur.CreatedAt

		if ni.Alias != cur.Alias {
			if err := contracts.ValidateAlias(ni.Alias); err != nil {
				return gwerr.E(gwerr.KindInvalid, op, err)
			}
			if t.next.InstallationByAlias(ni.SpaceID, ni.Alias) != nil {
				return gwerr.Invalid(op, "alias %q is already used in this space", ni.Alias)
			}
			if fs := t.next.ServerAllSet(id); fs != nil {
				nfs := cloneFeatureSet(fs)
				nfs.Name = ni.Alias
				t.putFeatureSet(nfs)
			}
		}
		if err := ni.Transport.Validate(); err != nil {
			return gwerr.E(gwerr.KindInvalid, op, err)
		}

		ni.UpdatedAt = t.now
		t.putInstallation(&ni)
		t.emit(installationEvent(&ni, "updated"))
		updated = &ni
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetEnabled flips an installation's enabled flag. Disabling hides its
// server-all set in the same commit.
func (s *Service) SetEnabled(id string, enabled bool) (*contracts.Installation, error) {
	const op = "access.set_enabled"
	var updated *contracts.Installation
	err := s.mutate(op, func(t *txn) error {
		cur, ok := t.next.Installations[id]
		if !ok {
			return gwerr.NotFound(op, "installation", id)
		}
		updated = cur
		if cur.Enabled == enabled {
			return nil
		}
		ni := *cur
		ni.Enabled = enabled
		ni.UpdatedAt = t.now
		t.putInstallation(&ni)
		action := "enabled"
		if !enabled {
			action = "disabled"
			hideServerAll(t, id)
		}
		t.emit(installationEvent(&ni, action))
		updated = &ni
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RemoveInstallation uninstalls: it deletes the installation, its
// advertised features, its server-all set and every grant of that set.
// Custom set members pointing at it are pruned on the set's next write.
func (s *Service) RemoveInstallation(id string) error {
	const op = "access.remove_installation"
	return s.mutate(op, func(t *txn) error {
		inst, ok := t.next.Installations[id]
		if !ok {
			return gwerr.NotFound(op, "installation", id)
		}
		if fs := t.next.ServerAllSet(id); fs != nil {
			t.deleteFeatureSet(fs)
		}
		for ref := range t.next.Advertised {
			if ref.ServerID == id {
				delete(t.next.Advertised, ref)
			}
		}
		delete(t.next.Installations, id)
		t.write(func(tx *storage.Tx) error { return tx.DeleteInstallation(id) })
		t.emit(installationEvent(inst, "uninstalled"))
		return nil
	})
}

// RecordAdvertised remembers features an installation advertised so they
// stay valid feature set members after the backend stops listing them.
func (s *Service) RecordAdvertised(installationID string, refs []contracts.FeatureRef) error {
	const op = "access.record_advertised"
	return s.mutate(op, func(t *txn) error {
		if _, ok := t.next.Installations[installationID]; !ok {
			return gwerr.NotFound(op, "installation", installationID)
		}
		for _, ref := range refs {
			ref.ServerID = installationID
			if _, seen := t.next.Advertised[ref]; seen {
				continue
			}
			t.next.Advertised[ref] = t.now
			rec := &contracts.AdvertisedFeature{
				InstallationID: installationID,
				Kind:           ref.Kind,
				Name:           ref.Name,
				FirstSeen:      t.now,
			}
			t.write(func(tx *storage.Tx) error { return tx.PutAdvertised(rec) })
		}
		return nil
	})
}

// EnsureServerAllFeatureSet creates the installation's server-all set, or
// shows it again if it was hidden. It never creates a second one.
func (s *Service) EnsureServerAllFeatureSet(installationID string) (*contracts.FeatureSet, error) {
	const op = "access.ensure_server_all"
	var out *contracts.FeatureSet
	err := s.mutate(op, func(t *txn) error {
		inst, ok := t.next.Installations[installationID]
		if !ok {
			return gwerr.NotFound(op, "installation", installationID)
		}
		if fs := t.next.ServerAllSet(installationID); fs != nil {
			out = fs
			if !fs.Hidden {
				return nil
			}
			nfs := cloneFeatureSet(fs)
			nfs.Hidden = false
			t.putFeatureSet(nfs)
			out = nfs
			return nil
		}
		out = &contracts.FeatureSet{
			ID:        s.newID(),
			SpaceID:   inst.SpaceID,
			Name:      inst.Alias,
			Kind:      contracts.FeatureSetServerAll,
			ServerID:  installationID,
			CreatedAt: t.now,
		}
		t.putFeatureSet(out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HideServerAllFeatureSet hides the installation's server-all set, keeping
// its grants for when it is shown again.
func (s *Service) HideServerAllFeatureSet(installationID string) error {
	return s.mutate("access.hide_server_all", func(t *txn) error {
		hideServerAll(t, installationID)
		return nil
	})
}

func hideServerAll(t *txn, installationID string) {
	fs := t.next.ServerAllSet(installationID)
	if fs == nil || fs.Hidden {
		return
	}
	nfs := cloneFeatureSet(fs)
	nfs.Hidden = true
	t.putFeatureSet(nfs)
}
