package access

import (
	"strings"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
)

// CreateFeatureSet creates a custom feature set in a space.
func (s *Service) CreateFeatureSet(spaceID, name string, members []contracts.FeatureRef) (*contracts.FeatureSet, error) {
	const op = "access.create_feature_set"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, gwerr.Invalid(op, "feature set name is required")
	}

	var created *contracts.FeatureSet
	err := s.mutate(op, func(t *txn) error {
		if _, ok := t.next.Spaces[spaceID]; !ok {
			return gwerr.NotFound(op, "space", spaceID)
		}
		if err := checkNameFree(t.next, spaceID, "", name, op); err != nil {
			return err
		}
		refs, err := validateMembers(t.next, spaceID, members, op)
		if err != nil {
			return err
		}
		created = &contracts.FeatureSet{
			ID:        s.newID(),
			SpaceID:   spaceID,
			Name:      name,
			Kind:      contracts.FeatureSetCustom,
			Members:   refs,
			CreatedAt: t.now,
		}
		t.putFeatureSet(created)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateFeatureSet renames a custom set and/or replaces its members. The
// Default set accepts member changes only; All Features and server-all
// sets are managed by the gateway. A nil members slice keeps the current
// members (minus those of uninstalled servers).
func (s *Service) UpdateFeatureSet(id, name string, members []contracts.FeatureRef) (*contracts.FeatureSet, error) {
	const op = "access.update_feature_set"
	var updated *contracts.FeatureSet
	err := s.mutate(op, func(t *txn) error {
		fs, ok := t.next.FeatureSets[id]
		if !ok {
			return gwerr.NotFound(op, "feature set", id)
		}
		switch {
		case fs.IsAllFeatures(), fs.Kind == contracts.FeatureSetServerAll:
			return gwerr.Invalid(op, "feature set %q cannot be edited", fs.Name)
		case fs.IsDefault() && name != "" && name != fs.Name:
			return gwerr.Invalid(op, "the Default feature set cannot be renamed")
		}

		nfs := cloneFeatureSet(fs)
		if name = strings.TrimSpace(name); name != "" && name != fs.Name {
			if err := checkNameFree(t.next, fs.SpaceID, fs.ID, name, op); err != nil {
				return err
			}
			nfs.Name = name
		}
		if members == nil {
			members = fs.Members
		}
		refs, err := validateMembers(t.next, fs.SpaceID, members, op)
		if err != nil {
			return err
		}
		nfs.Members = refs
		t.putFeatureSet(nfs)
		updated = nfs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteFeatureSet deletes a custom set and every grant of it.
func (s *Service) DeleteFeatureSet(id string) error {
	const op = "access.delete_feature_set"
	return s.mutate(op, func(t *txn) error {
		fs, ok := t.next.FeatureSets[id]
		if !ok {
			return gwerr.NotFound(op, "feature set", id)
		}
		if fs.Kind != contracts.FeatureSetCustom {
			return gwerr.Invalid(op, "feature set %q cannot be deleted", fs.Name)
		}
		t.deleteFeatureSet(fs)
		return nil
	})
}

// validateMembers drops references to uninstalled servers and rejects any
// other reference that is not a currently-or-previously advertised feature
// of an installation in spaceID. Duplicates collapse.
func validateMembers(snap *Snapshot, spaceID string, members []contracts.FeatureRef, op string) ([]contracts.FeatureRef, error) {
	out := make([]contracts.FeatureRef, 0, len(members))
	seen := make(map[contracts.FeatureRef]bool, len(members))
	for _, ref := range members {
		inst, ok := snap.Installations[ref.ServerID]
		if !ok {
			continue
		}
		if inst.SpaceID != spaceID {
			return nil, gwerr.Invalid(op, "server %q belongs to another space", inst.Alias)
		}
		if !ref.Kind.Valid() {
			return nil, gwerr.Invalid(op, "unknown feature kind %q", ref.Kind)
		}
		if !snap.IsAdvertised(ref) {
			return nil, gwerr.Invalid(op, "%s %q was never advertised by %q", ref.Kind, ref.Name, inst.Alias)
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out, nil
}

func checkNameFree(snap *Snapshot, spaceID, selfID, name, op string) error {
	for _, fs := range snap.FeatureSetsIn(spaceID) {
		if fs.ID != selfID && strings.EqualFold(fs.Name, name) {
			return gwerr.Invalid(op, "feature set %q already exists", name)
		}
	}
	return nil
}
