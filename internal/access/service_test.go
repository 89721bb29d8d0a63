package access

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.BoltDB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "access.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	svc, err := NewService(db, nil, zap.NewNop())
	require.NoError(t, err)
	return svc, db
}

func stdioInstallation(spaceID, alias string) contracts.Installation {
	return contracts.Installation{
		Alias:   alias,
		SpaceID: spaceID,
		Enabled: true,
		Transport: contracts.TransportConfig{
			Kind:  contracts.TransportStdio,
			Stdio: &contracts.StdioTransport{Command: "echo-mcp"},
		},
	}
}

func tool(serverID, name string) contracts.FeatureRef {
	return contracts.FeatureRef{ServerID: serverID, Kind: contracts.FeatureTool, Name: name}
}

func TestCreateSpaceSeedsBuiltins(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := svc.CreateSpace("work")
	require.NoError(t, err)
	second, err := svc.CreateSpace("home")
	require.NoError(t, err)

	snap := svc.Current()
	assert.Equal(t, first.ID, snap.ActiveSpaceID, "the first space becomes active")
	assert.True(t, first.IsActive)
	assert.False(t, second.IsActive)

	sets := snap.FeatureSetsIn(second.ID)
	require.Len(t, sets, 2)
	names := []string{sets[0].Name, sets[1].Name}
	assert.ElementsMatch(t, []string{contracts.BuiltinAllFeatures, contracts.BuiltinDefault}, names)

	_, err = svc.CreateSpace("WORK")
	assert.Equal(t, gwerr.KindInvalid, gwerr.KindOf(err))
}

func TestActiveSpaceCannotBeDeleted(t *testing.T) {
	svc, _ := newTestService(t)
	work, err := svc.CreateSpace("work")
	require.NoError(t, err)
	home, err := svc.CreateSpace("home")
	require.NoError(t, err)

	err = svc.DeleteSpace(work.ID)
	assert.Equal(t, gwerr.KindInvalid, gwerr.KindOf(err))

	require.NoError(t, svc.SetActiveSpace(home.ID))
	snap := svc.Current()
	assert.Equal(t, home.ID, snap.ActiveSpaceID)
	assert.True(t, snap.Spaces[home.ID].IsActive)
	assert.False(t, snap.Spaces[work.ID].IsActive)

	require.NoError(t, svc.DeleteSpace(work.ID))
	assert.Nil(t, svc.Current().Spaces[work.ID])
	assert.Empty(t, svc.Current().FeatureSetsIn(work.ID))
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	svc, db := newTestService(t)
	sp, err := svc.CreateSpace("work")
	require.NoError(t, err)
	inst, err := svc.AddInstallation(stdioInstallation(sp.ID, "echo"))
	require.NoError(t, err)
	require.NoError(t, svc.RecordAdvertised(inst.ID, []contracts.FeatureRef{tool("", "say")}))
	_, err = svc.RegisterClient("client-1", "Claude", true)
	require.NoError(t, err)

	reloaded, err := NewService(db, nil, zap.NewNop())
	require.NoError(t, err)
	snap := reloaded.Current()
	assert.Equal(t, sp.ID, snap.ActiveSpaceID)
	assert.Equal(t, "echo", snap.Installations[inst.ID].Alias)
	assert.True(t, snap.IsAdvertised(tool(inst.ID, "say")))
	assert.True(t, snap.Clients["client-1"].Approved)
}

func TestAliasRules(t *testing.T) {
	svc, _ := newTestService(t)
	sp, err := svc.CreateSpace("work")
	require.NoError(t, err)

	_, err = svc.AddInstallation(stdioInstallation(sp.ID, "echo"))
	require.NoError(t, err)

	_, err = svc.AddInstallation(stdioInstallation(sp.ID, "echo"))
	assert.Equal(t, gwerr.KindInvalid, gwerr.KindOf(err), "alias unique within a space")

	_, err = svc.AddInstallation(stdioInstallation(sp.ID, "bad__alias"))
	assert.Equal(t, gwerr.KindInvalid, gwerr.KindOf(err))

	other, err := svc.CreateSpace("home")
	require.NoError(t, err)
	_, err = svc.AddInstallation(stdioInstallation(other.ID, "echo"))
	assert.NoError(t, err, "the same alias may be reused in another space")
}

func TestServerAllLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	sp, err := svc.CreateSpace("work")
	require.NoError(t, err)
	inst, err := svc.AddInstallation(stdioInstallation(sp.ID, "echo"))
	require.NoError(t, err)
	_, err = svc.RegisterClient("c1", "client", true)
	require.NoError(t, err)

	fs, err := svc.EnsureServerAllFeatureSet(inst.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Grant("c1", sp.ID, fs.ID))
	assert.True(t, svc.Current().Resolve("c1", sp.ID).Allows(tool(inst.ID, "anything")))

	_, err = svc.SetEnabled(inst.ID, false)
	require.NoError(t, err)
	hidden := svc.Current().ServerAllSet(inst.ID)
	require.NotNil(t, hidden)
	assert.True(t, hidden.Hidden)
	assert.False(t, svc.Current().Resolve("c1", sp.ID).Allows(tool(inst.ID, "anything")))

	_, err = svc.SetEnabled(inst.ID, true)
	require.NoError(t, err)
	again, err := svc.EnsureServerAllFeatureSet(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, fs.ID, again.ID, "re-enable re-shows the same set")
	assert.False(t, again.Hidden)

	count := 0
	for _, set := range svc.Current().FeatureSetsIn(sp.ID) {
		if set.Kind == contracts.FeatureSetServerAll {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Contains(t, svc.Current().Clients["c1"].Grants[sp.ID], fs.ID, "grant survives hide and show")
	assert.True(t, svc.Current().Resolve("c1", sp.ID).Allows(tool(inst.ID, "anything")))
}

func TestUninstallCascades(t *testing.T) {
	svc, _ := newTestService(t)
	sp, err := svc.CreateSpace("work")
	require.NoError(t, err)
	echo, err := svc.AddInstallation(stdioInstallation(sp.ID, "echo"))
	require.NoError(t, err)
	other, err := svc.AddInstallation(stdioInstallation(sp.ID, "other"))
	require.NoError(t, err)
	require.NoError(t, svc.RecordAdvertised(echo.ID, []contracts.FeatureRef{tool("", "say")}))
	require.NoError(t, svc.RecordAdvertised(other.ID, []contracts.FeatureRef{tool("", "run")}))
	_, err = svc.RegisterClient("c1", "client", true)
	require.NoError(t, err)

	serverAll, err := svc.EnsureServerAllFeatureSet(echo.ID)
	require.NoError(t, err)
	custom, err := svc.CreateFeatureSet(sp.ID, "mixed", []contracts.FeatureRef{tool(echo.ID, "say"), tool(other.ID, "run")})
	require.NoError(t, err)
	require.NoError(t, svc.Grant("c1", sp.ID, serverAll.ID))
	require.NoError(t, svc.Grant("c1", sp.ID, custom.ID))

	require.NoError(t, svc.RemoveInstallation(echo.ID))
	snap := svc.Current()
	assert.Nil(t, snap.ServerAllSet(echo.ID))
	assert.NotContains(t, snap.Clients["c1"].Grants[sp.ID], serverAll.ID)
	assert.False(t, snap.IsAdvertised(tool(echo.ID, "say")))

	// Custom members are pruned lazily: still stored, ignored on read.
	assert.Len(t, snap.FeatureSets[custom.ID].Members, 2)
	grant := snap.Resolve("c1", sp.ID)
	assert.False(t, grant.Allows(tool(echo.ID, "say")))
	assert.True(t, grant.Allows(tool(other.ID, "run")))

	updated, err := svc.UpdateFeatureSet(custom.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []contracts.FeatureRef{tool(other.ID, "run")}, updated.Members)
}

func TestFeatureSetMembersMustBeAdvertised(t *testing.T) {
	svc, _ := newTestService(t)
	sp, err := svc.CreateSpace("work")
	require.NoError(t, err)
	inst, err := svc.AddInstallation(stdioInstallation(sp.ID, "echo"))
	require.NoError(t, err)

	_, err = svc.CreateFeatureSet(sp.ID, "set", []contracts.FeatureRef{tool(inst.ID, "never")})
	assert.Equal(t, gwerr.KindInvalid, gwerr.KindOf(err))

	require.NoError(t, svc.RecordAdvertised(inst.ID, []contracts.FeatureRef{tool("", "never")}))
	_, err = svc.CreateFeatureSet(sp.ID, "set", []contracts.FeatureRef{tool(inst.ID, "never")})
	assert.NoError(t, err)

	otherSpace, err := svc.CreateSpace("home")
	require.NoError(t, err)
	_, err = svc.CreateFeatureSet(otherSpace.ID, "cross", []contracts.FeatureRef{tool(inst.ID, "never")})
	assert.Equal(t, gwerr.KindInvalid, gwerr.KindOf(err), "members must live in the same space")
}

func TestBuiltinSetsAreProtected(t *testing.T) {
	svc, _ := newTestService(t)
	sp, err := svc.CreateSpace("work")
	require.NoError(t, err)
	_, err = svc.RegisterClient("c1", "client", true)
	require.NoError(t, err)

	var def, all *contracts.FeatureSet
	for _, fs := range svc.Current().FeatureSetsIn(sp.ID) {
		switch {
		case fs.IsDefault():
			def = fs
		case fs.IsAllFeatures():
			all = fs
		}
	}
	require.NotNil(t, def)
	require.NotNil(t, all)

	assert.Equal(t, gwerr.KindInvalid, gwerr.KindOf(svc.DeleteFeatureSet(def.ID)))
	assert.Equal(t, gwerr.KindInvalid, gwerr.KindOf(svc.Revoke("c1", sp.ID, def.ID)))
	_, err = svc.UpdateFeatureSet(all.ID, "", []contracts.FeatureRef{})
	assert.Equal(t, gwerr.KindInvalid, gwerr.KindOf(err))

	require.NoError(t, svc.Grant("c1", sp.ID, all.ID))
	assert.True(t, svc.Current().Resolve("c1", sp.ID).All)
}

func TestResolveSpaceModes(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop())
	defer bus.Close()
	db, err := storage.Open(filepath.Join(t.TempDir(), "access.db"), zap.NewNop())
	require.NoError(t, err)
	defer db.Close()
	svc, err := NewService(db, bus, zap.NewNop())
	require.NoError(t, err)

	work, err := svc.CreateSpace("work")
	require.NoError(t, err)
	home, err := svc.CreateSpace("home")
	require.NoError(t, err)

	sub := bus.Subscribe("test", func(e eventbus.Event) bool {
		return e.Type == eventbus.EventTypeClientApprovalRequested
	})
	defer sub.Close()

	_, err = svc.RegisterClient("c1", "client", false)
	require.NoError(t, err)
	_, err = svc.ResolveSession("c1")
	assert.Equal(t, gwerr.KindPermission, gwerr.KindOf(err), "unapproved clients cannot open sessions")

	require.NoError(t, svc.ApproveClient("c1", true))
	spaceID, err := svc.ResolveSession("c1")
	require.NoError(t, err)
	assert.Equal(t, work.ID, spaceID)

	require.NoError(t, svc.SetConnectionMode("c1", contracts.ModeLockedToSpace, home.ID))
	spaceID, err = svc.ResolveSession("c1")
	require.NoError(t, err)
	assert.Equal(t, home.ID, spaceID)

	require.NoError(t, svc.SetConnectionMode("c1", contracts.ModeAsk, ""))
	_, err = svc.ResolveSession("c1")
	assert.Equal(t, gwerr.KindPermission, gwerr.KindOf(err))

	require.NoError(t, svc.ChooseSpace("c1", home.ID))
	spaceID, err = svc.ResolveSession("c1")
	require.NoError(t, err)
	assert.Equal(t, home.ID, spaceID)

	reasons := map[string]bool{}
	for i := 0; i < 3; i++ {
		evt := <-sub.C
		reasons[evt.Payload["reason"].(string)] = true
	}
	assert.True(t, reasons["unapproved"])
	assert.True(t, reasons["space_choice"])
}

// Default is granted in every space whatever else the client holds.
func TestDefaultAlwaysGranted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		snap := emptySnapshot()
		spaceID := "space"
		snap.Spaces[spaceID] = &contracts.Space{ID: spaceID}
		snap.Installations["srv"] = &contracts.Installation{ID: "srv", SpaceID: spaceID, Alias: "srv"}

		nDefault := rapid.IntRange(0, 4).Draw(t, "defaultMembers")
		def := &contracts.FeatureSet{ID: "default", SpaceID: spaceID, Name: contracts.BuiltinDefault, Kind: contracts.FeatureSetBuiltin}
		for i := 0; i < nDefault; i++ {
			def.Members = append(def.Members, tool("srv", fmt.Sprintf("d%d", i)))
		}
		snap.FeatureSets[def.ID] = def

		nCustom := rapid.IntRange(0, 4).Draw(t, "customSets")
		var ids []string
		for i := 0; i < nCustom; i++ {
			fs := &contracts.FeatureSet{
				ID:      fmt.Sprintf("custom-%d", i),
				SpaceID: spaceID,
				Name:    fmt.Sprintf("c%d", i),
				Kind:    contracts.FeatureSetCustom,
				Members: []contracts.FeatureRef{tool("srv", fmt.Sprintf("c%d", i))},
			}
			snap.FeatureSets[fs.ID] = fs
			ids = append(ids, fs.ID)
		}

		client := &contracts.Client{ID: "client", Approved: true, Grants: map[string][]string{}}
		for _, id := range ids {
			if rapid.Bool().Draw(t, "grant-"+id) {
				client.Grants[spaceID] = append(client.Grants[spaceID], id)
			}
		}
		if rapid.Bool().Draw(t, "explicitDefault") {
			client.Grants[spaceID] = append(client.Grants[spaceID], def.ID)
		}
		snap.Clients[client.ID] = client

		grant := snap.Resolve(client.ID, spaceID)
		if !containsString(grant.SetIDs, def.ID) {
			t.Fatalf("Default missing from granted sets %v", grant.SetIDs)
		}
		for _, ref := range def.Members {
			if !grant.Allows(ref) {
				t.Fatalf("Default member %v not allowed", ref)
			}
		}
		for _, id := range ids {
			ref := snap.FeatureSets[id].Members[0]
			if grant.Allows(ref) != containsString(client.Grants[spaceID], id) {
				t.Fatalf("custom set %s visibility does not follow its grant", id)
			}
		}
	})
}
