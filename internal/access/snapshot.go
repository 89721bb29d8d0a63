// Package access owns spaces, the installation catalog, feature sets,
// clients and grants. Mutations are serialized through one writer and
// published as immutable snapshots; readers never take a lock.
package access

import (
	"sort"
	"time"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
)

// Snapshot is an immutable point-in-time view of the access-control state.
// Records reachable from a Snapshot must never be modified.
type Snapshot struct {
	Version       int64
	Timestamp     time.Time
	ActiveSpaceID string
	Spaces        map[string]*contracts.Space
	Installations map[string]*contracts.Installation
	FeatureSets   map[string]*contracts.FeatureSet
	Clients       map[string]*contracts.Client
	Advertised    map[contracts.FeatureRef]time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Timestamp:     time.Now(),
		Spaces:        map[string]*contracts.Space{},
		Installations: map[string]*contracts.Installation{},
		FeatureSets:   map[string]*contracts.FeatureSet{},
		Clients:       map[string]*contracts.Client{},
		Advertised:    map[contracts.FeatureRef]time.Time{},
	}
}

// clone copies the maps; the records they point to are shared until the
// writer replaces one.
func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Version:       s.Version,
		ActiveSpaceID: s.ActiveSpaceID,
		Spaces:        make(map[string]*contracts.Space, len(s.Spaces)),
		Installations: make(map[string]*contracts.Installation, len(s.Installations)),
		FeatureSets:   make(map[string]*contracts.FeatureSet, len(s.FeatureSets)),
		Clients:       make(map[string]*contracts.Client, len(s.Clients)),
		Advertised:    make(map[contracts.FeatureRef]time.Time, len(s.Advertised)),
	}
	for k, v := range s.Spaces {
		c.Spaces[k] = v
	}
	for k, v := range s.Installations {
		c.Installations[k] = v
	}
	for k, v := range s.FeatureSets {
		c.FeatureSets[k] = v
	}
	for k, v := range s.Clients {
		c.Clients[k] = v
	}
	for k, v := range s.Advertised {
		c.Advertised[k] = v
	}
	return c
}

// SpaceList returns all spaces ordered by creation time.
func (s *Snapshot) SpaceList() []*contracts.Space {
	out := make([]*contracts.Space, 0, len(s.Spaces))
	for _, sp := range s.Spaces {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// InstallationsIn returns the installations of a space ordered by alias.
func (s *Snapshot) InstallationsIn(spaceID string) []*contracts.Installation {
	var out []*contracts.Installation
	for _, inst := range s.Installations {
		if inst.SpaceID == spaceID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// InstallationByAlias finds an installation of a space by its alias.
func (s *Snapshot) InstallationByAlias(spaceID, alias string) *contracts.Installation {
	for _, inst := range s.Installations {
		if inst.SpaceID == spaceID && inst.Alias == alias {
			return inst
		}
	}
	return nil
}

// FeatureSetsIn returns the feature sets of a space, builtins first.
func (s *Snapshot) FeatureSetsIn(spaceID string) []*contracts.FeatureSet {
	var out []*contracts.FeatureSet
	for _, fs := range s.FeatureSets {
		if fs.SpaceID == spaceID {
			out = append(out, fs)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := kindRank(out[i].Kind), kindRank(out[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func kindRank(k contracts.FeatureSetKind) int {
	switch k {
	case contracts.FeatureSetBuiltin:
		return 0
	case contracts.FeatureSetServerAll:
		return 1
	default:
		return 2
	}
}

// builtin returns the named builtin set of a space.
func (s *Snapshot) builtin(spaceID, name string) *contracts.FeatureSet {
	for _, fs := range s.FeatureSets {
		if fs.SpaceID == spaceID && fs.Kind == contracts.FeatureSetBuiltin && fs.Name == name {
			return fs
		}
	}
	return nil
}

// ServerAllSet returns the server-all set of an installation, or nil.
func (s *Snapshot) ServerAllSet(installationID string) *contracts.FeatureSet {
	for _, fs := range s.FeatureSets {
		if fs.Kind == contracts.FeatureSetServerAll && fs.ServerID == installationID {
			return fs
		}
	}
	return nil
}

// IsAdvertised reports whether ref was advertised, now or in the past, by
// an installation that still exists.
func (s *Snapshot) IsAdvertised(ref contracts.FeatureRef) bool {
	if _, ok := s.Installations[ref.ServerID]; !ok {
		return false
	}
	_, ok := s.Advertised[ref]
	return ok
}

// ClientList returns all clients ordered by registration time.
func (s *Snapshot) ClientList() []*contracts.Client {
	out := make([]*contracts.Client, 0, len(s.Clients))
	for _, c := range s.Clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// ResolveSpace returns the space a session of clientID binds to, according
// to the client's connection mode.
func (s *Snapshot) ResolveSpace(clientID string) (string, error) {
	const op = "access.resolve_space"
	c, ok := s.Clients[clientID]
	if !ok {
		return "", gwerr.Permission(op, "unknown client")
	}
	if !c.Approved {
		return "", gwerr.Permission(op, "client %q is not approved", c.Name)
	}

	var spaceID string
	switch c.Mode {
	case contracts.ModeLockedToSpace:
		spaceID = c.LockedSpaceID
	case contracts.ModeAsk:
		if c.ChosenSpaceID == "" {
			return "", gwerr.Permission(op, "client %q has no space chosen", c.Name)
		}
		spaceID = c.ChosenSpaceID
	default:
		spaceID = s.ActiveSpaceID
	}
	if _, ok := s.Spaces[spaceID]; !ok {
		return "", gwerr.Permission(op, "space for client %q does not exist", c.Name)
	}
	return spaceID, nil
}

// Grant is the resolved visibility of one client within one space.
type Grant struct {
	ClientID string
	SpaceID  string
	// All is set when the All Features set is granted.
	All bool
	// Servers holds installations whose server-all set is granted and visible.
	Servers map[string]bool
	// Features holds explicit members of the granted sets, Default included.
	Features map[contracts.FeatureRef]bool
	// SetIDs are the granted feature set ids, Default included.
	SetIDs []string
}

// Allows reports whether ref is visible under the grant. The caller is
// responsible for restricting to Connected backends.
func (g *Grant) Allows(ref contracts.FeatureRef) bool {
	if g == nil {
		return false
	}
	return g.All || g.Servers[ref.ServerID] || g.Features[ref]
}

// Resolve computes the grant of a client in a space: the union of its
// explicitly granted feature sets plus the implicit Default set. Sets and
// members that do not belong to spaceID contribute nothing.
func (s *Snapshot) Resolve(clientID, spaceID string) *Grant {
	g := &Grant{
		ClientID: clientID,
		SpaceID:  spaceID,
		Servers:  map[string]bool{},
		Features: map[contracts.FeatureRef]bool{},
	}
	if _, ok := s.Spaces[spaceID]; !ok {
		return g
	}

	seen := map[string]bool{}
	add := func(fs *contracts.FeatureSet) {
		if fs == nil || fs.SpaceID != spaceID || seen[fs.ID] {
			return
		}
		seen[fs.ID] = true
		g.SetIDs = append(g.SetIDs, fs.ID)
		if fs.Hidden {
			return
		}
		switch fs.Kind {
		case contracts.FeatureSetServerAll:
			if s.inSpace(fs.ServerID, spaceID) {
				g.Servers[fs.ServerID] = true
			}
			return
		case contracts.FeatureSetBuiltin:
			if fs.Name == contracts.BuiltinAllFeatures {
				g.All = true
				return
			}
		}
		for _, ref := range fs.Members {
			if s.inSpace(ref.ServerID, spaceID) {
				g.Features[ref] = true
			}
		}
	}

	add(s.builtin(spaceID, contracts.BuiltinDefault))
	if c, ok := s.Clients[clientID]; ok {
		for _, id := range c.Grants[spaceID] {
			add(s.FeatureSets[id])
		}
	}
	return g
}

func (s *Snapshot) inSpace(installationID, spaceID string) bool {
	inst, ok := s.Installations[installationID]
	return ok && inst.SpaceID == spaceID
}
