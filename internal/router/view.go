package router

import (
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/smart-mcp-proxy/mcpgate/internal/access"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/hash"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

// ResourceScheme prefixes resource URIs that collide across backends.
const ResourceScheme = "mcpgate://"

// Target is the owning backend of a presented feature.
type Target struct {
	InstallationID string
	Alias          string
	Kind           contracts.FeatureKind
	Native         string
}

// Ref returns the stable internal key of the target.
func (t Target) Ref() contracts.FeatureRef {
	return contracts.FeatureRef{ServerID: t.InstallationID, Kind: t.Kind, Name: t.Native}
}

// View is the effective capability set of one session at one moment.
type View struct {
	ClientID string
	SpaceID  string

	Tools     []mcp.Tool
	Prompts   []mcp.Prompt
	Resources []mcp.Resource

	targets map[contracts.FeatureKind]map[string]Target
	grant   *access.Grant
}

func newView(clientID, spaceID string) *View {
	return &View{
		ClientID: clientID,
		SpaceID:  spaceID,
		targets: map[contracts.FeatureKind]map[string]Target{
			contracts.FeatureTool:     {},
			contracts.FeaturePrompt:   {},
			contracts.FeatureResource: {},
		},
	}
}

// Lookup resolves a presented tool or prompt name, or a resource URI in
// either its presented or its mcpgate:// form.
func (v *View) Lookup(kind contracts.FeatureKind, name string) (Target, bool) {
	t, ok := v.targets[kind][name]
	return t, ok
}

// Refs returns the effective feature set: the internal keys of every
// presented feature.
func (v *View) Refs() []contracts.FeatureRef {
	var out []contracts.FeatureRef
	seen := map[contracts.FeatureRef]bool{}
	for _, kind := range contracts.FeatureKinds {
		for _, t := range v.targets[kind] {
			ref := t.Ref()
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out
}

// Hash digests the presented content of one kind, independent of order.
func (v *View) Hash(kind contracts.FeatureKind) string {
	var items []string
	add := func(name string, def any) {
		h, err := hash.FeatureHash(name, def)
		if err != nil {
			h = hash.StringHash(name)
		}
		items = append(items, h)
	}
	switch kind {
	case contracts.FeatureTool:
		for _, t := range v.Tools {
			add(t.Name, t)
		}
	case contracts.FeaturePrompt:
		for _, p := range v.Prompts {
			add(p.Name, p)
		}
	case contracts.FeatureResource:
		for _, r := range v.Resources {
			add(r.URI, r)
		}
	}
	return hash.SetHash(items)
}

// BackendSource reports backend connection snapshots.
type BackendSource interface {
	Snapshot(installationID string) (*types.Snapshot, bool)
}

// buildView merges the capabilities of the Connected, enabled backends of
// spaceID, each filtered through the client's grant there. spaceID is the
// space the session was bound to at initialize; it is never re-resolved
// from the client's mode. A client that is gone or no longer approved sees
// nothing.
func buildView(snap *access.Snapshot, backends BackendSource, clientID, spaceID string) *View {
	v := newView(clientID, spaceID)
	if c, ok := snap.Clients[clientID]; !ok || !c.Approved {
		return v
	}
	if _, ok := snap.Spaces[spaceID]; !ok {
		return v
	}
	v.grant = snap.Resolve(clientID, spaceID)

	type resourceEntry struct {
		inst *contracts.Installation
		res  mcp.Resource
	}
	var resources []resourceEntry
	uriCount := map[string]int{}

	for _, inst := range snap.InstallationsIn(spaceID) {
		if !inst.Enabled {
			continue
		}
		bs, ok := backends.Snapshot(inst.ID)
		if !ok || bs.State != types.StateConnected || bs.Capabilities == nil {
			continue
		}
		caps := bs.Capabilities

		for _, tool := range caps.Tools {
			t := Target{InstallationID: inst.ID, Alias: inst.Alias, Kind: contracts.FeatureTool, Native: tool.Name}
			if !v.grant.Allows(t.Ref()) {
				continue
			}
			presented := tool
			presented.Name = contracts.Namespaced(inst.Alias, tool.Name)
			v.Tools = append(v.Tools, presented)
			v.targets[contracts.FeatureTool][presented.Name] = t
		}
		for _, prompt := range caps.Prompts {
			t := Target{InstallationID: inst.ID, Alias: inst.Alias, Kind: contracts.FeaturePrompt, Native: prompt.Name}
			if !v.grant.Allows(t.Ref()) {
				continue
			}
			presented := prompt
			presented.Name = contracts.Namespaced(inst.Alias, prompt.Name)
			v.Prompts = append(v.Prompts, presented)
			v.targets[contracts.FeaturePrompt][presented.Name] = t
		}
		for _, res := range caps.Resources {
			t := Target{InstallationID: inst.ID, Alias: inst.Alias, Kind: contracts.FeatureResource, Native: res.URI}
			if !v.grant.Allows(t.Ref()) {
				continue
			}
			resources = append(resources, resourceEntry{inst: inst, res: res})
			uriCount[res.URI]++
		}
	}

	for _, e := range resources {
		t := Target{InstallationID: e.inst.ID, Alias: e.inst.Alias, Kind: contracts.FeatureResource, Native: e.res.URI}
		qualified := QualifiedResourceURI(e.inst.Alias, e.res.URI)
		presented := e.res
		if uriCount[e.res.URI] > 1 {
			presented.URI = qualified
		} else {
			v.targets[contracts.FeatureResource][e.res.URI] = t
		}
		v.targets[contracts.FeatureResource][qualified] = t
		v.Resources = append(v.Resources, presented)
	}
	return v
}

// QualifiedResourceURI is the collision-free presentation of a backend resource.
func QualifiedResourceURI(alias, uri string) string {
	return ResourceScheme + alias + "/" + url.PathEscape(uri)
}

// ParseQualifiedResourceURI splits a mcpgate:// URI into alias and native URI.
func ParseQualifiedResourceURI(uri string) (alias, native string, ok bool) {
	rest, found := strings.CutPrefix(uri, ResourceScheme)
	if !found {
		return "", "", false
	}
	alias, escaped, found := strings.Cut(rest, "/")
	if !found || alias == "" {
		return "", "", false
	}
	native, err := url.PathUnescape(escaped)
	if err != nil {
		return "", "", false
	}
	return alias, native, true
}
