package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/smart-mcp-proxy/mcpgate/internal/access"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

type staticAccess struct {
	snap atomic.Pointer[access.Snapshot]
}

func (s *staticAccess) Current() *access.Snapshot { return s.snap.Load() }

type fakeBackends struct {
	mu    sync.Mutex
	snaps map[string]*types.Snapshot
	calls []upstream.Request
}

func (f *fakeBackends) Snapshot(id string) (*types.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	return s, ok
}

func (f *fakeBackends) set(id string, state types.ConnectionState, caps *types.Capabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[id] = &types.Snapshot{InstallationID: id, State: state, Capabilities: caps}
}

func (f *fakeBackends) SendRequest(_ context.Context, id string, req upstream.Request) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(id + ":" + req.Name + req.URI)}}, nil
}

const (
	space  = "space-1"
	client = "client-1"
)

// fixture builds a space with two installations, echo and files, where
// the client holds All Features.
func fixture() (*staticAccess, *fakeBackends) {
	snap := &access.Snapshot{
		ActiveSpaceID: space,
		Spaces:        map[string]*contracts.Space{space: {ID: space, Name: "work", IsActive: true}},
		Installations: map[string]*contracts.Installation{
			"echo":  {ID: "echo", Alias: "echo", SpaceID: space, Enabled: true},
			"files": {ID: "files", Alias: "files", SpaceID: space, Enabled: true},
		},
		FeatureSets: map[string]*contracts.FeatureSet{
			"all":     {ID: "all", SpaceID: space, Name: contracts.BuiltinAllFeatures, Kind: contracts.FeatureSetBuiltin},
			"default": {ID: "default", SpaceID: space, Name: contracts.BuiltinDefault, Kind: contracts.FeatureSetBuiltin},
		},
		Clients: map[string]*contracts.Client{
			client: {ID: client, Approved: true, Mode: contracts.ModeFollowActive, Grants: map[string][]string{space: {"all"}}},
		},
		Advertised: map[contracts.FeatureRef]time.Time{
			{ServerID: "echo", Kind: contracts.FeatureTool, Name: "say"}: time.Now(),
		},
	}
	acc := &staticAccess{}
	acc.snap.Store(snap)

	backends := &fakeBackends{snaps: map[string]*types.Snapshot{}}
	backends.set("echo", types.StateConnected, &types.Capabilities{
		Tools:     []mcp.Tool{{Name: "say"}},
		Prompts:   []mcp.Prompt{{Name: "greet"}},
		Resources: []mcp.Resource{{URI: "file:///shared.txt", Name: "shared"}, {URI: "file:///echo.txt", Name: "echo"}},
	})
	backends.set("files", types.StateConnected, &types.Capabilities{
		Tools:     []mcp.Tool{{Name: "read"}},
		Resources: []mcp.Resource{{URI: "file:///shared.txt", Name: "shared"}},
	})
	return acc, backends
}

func toolNames(v *View) []string {
	var out []string
	for _, t := range v.Tools {
		out = append(out, t.Name)
	}
	return out
}

func TestEffectiveCapabilitiesNamespacing(t *testing.T) {
	acc, backends := fixture()
	r := New(acc, backends, Options{}, zap.NewNop())

	v := r.EffectiveCapabilities(client, space)
	assert.Equal(t, space, v.SpaceID)
	assert.ElementsMatch(t, []string{"echo__say", "files__read"}, toolNames(v))
	require.Len(t, v.Prompts, 1)
	assert.Equal(t, "echo__greet", v.Prompts[0].Name)

	var uris []string
	for _, res := range v.Resources {
		uris = append(uris, res.URI)
	}
	assert.ElementsMatch(t, []string{
		"file:///echo.txt",
		QualifiedResourceURI("echo", "file:///shared.txt"),
		QualifiedResourceURI("files", "file:///shared.txt"),
	}, uris)

	target, ok := v.Lookup(contracts.FeatureResource, QualifiedResourceURI("echo", "file:///echo.txt"))
	require.True(t, ok, "the qualified form of an unambiguous URI is accepted too")
	assert.Equal(t, "echo", target.InstallationID)
	_, ok = v.Lookup(contracts.FeatureResource, "file:///shared.txt")
	assert.False(t, ok, "a colliding native URI is ambiguous")
}

func TestQualifiedResourceURIRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		alias := rapid.StringMatching(`[a-z0-9][a-z0-9-]{0,10}`).Draw(t, "alias")
		uri := rapid.String().Draw(t, "uri")
		gotAlias, gotURI, ok := ParseQualifiedResourceURI(QualifiedResourceURI(alias, uri))
		if !ok || gotAlias != alias || gotURI != uri {
			t.Fatalf("round trip of (%q, %q) gave (%q, %q, %v)", alias, uri, gotAlias, gotURI, ok)
		}
	})
}

func TestNonConnectedBackendsAreExcluded(t *testing.T) {
	states := []types.ConnectionState{
		types.StateDisabled, types.StateConnecting, types.StateHandshaking,
		types.StateDegraded, types.StateReconnecting, types.StateFailed,
	}
	for _, st := range states {
		t.Run(st.String(), func(t *testing.T) {
			acc, backends := fixture()
			caps, _ := backends.Snapshot("files")
			backends.set("files", st, caps.Capabilities)
			r := New(acc, backends, Options{}, zap.NewNop())

			v := r.EffectiveCapabilities(client, space)
			for _, ref := range v.Refs() {
				assert.NotEqual(t, "files", ref.ServerID)
			}
			assert.Equal(t, []string{"echo__say"}, toolNames(v))
		})
	}
}

func TestDisabledInstallationIsExcluded(t *testing.T) {
	acc, backends := fixture()
	snap := *acc.Current()
	snap.Installations = map[string]*contracts.Installation{
		"echo":  {ID: "echo", Alias: "echo", SpaceID: space, Enabled: false},
		"files": snap.Installations["files"],
	}
	acc.snap.Store(&snap)

	r := New(acc, backends, Options{}, zap.NewNop())
	assert.Equal(t, []string{"files__read"}, toolNames(r.EffectiveCapabilities(client, space)))
}

func TestDefaultOnlyClientSeesDefaultMembers(t *testing.T) {
	acc, backends := fixture()
	snap := *acc.Current()
	snap.Clients = map[string]*contracts.Client{client: {ID: client, Approved: true, Mode: contracts.ModeFollowActive}}
	snap.FeatureSets = map[string]*contracts.FeatureSet{
		"default": {
			ID: "default", SpaceID: space, Name: contracts.BuiltinDefault, Kind: contracts.FeatureSetBuiltin,
			Members: []contracts.FeatureRef{{ServerID: "echo", Kind: contracts.FeatureTool, Name: "say"}},
		},
	}
	acc.snap.Store(&snap)

	r := New(acc, backends, Options{}, zap.NewNop())
	v := r.EffectiveCapabilities(client, space)
	assert.Equal(t, []string{"echo__say"}, toolNames(v))
	assert.Empty(t, v.Prompts)
	assert.Empty(t, v.Resources)
}

func TestInvoke(t *testing.T) {
	acc, backends := fixture()
	r := New(acc, backends, Options{}, zap.NewNop())
	ctx := context.Background()

	res, err := r.Invoke(ctx, client, space, contracts.FeatureTool, "echo__say", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.IsType(t, &mcp.CallToolResult{}, res)
	assert.Equal(t, upstream.Request{Method: upstream.MethodCallTool, Name: "say", Arguments: map[string]any{"text": "hi"}}, backends.calls[0])

	_, err = r.Invoke(ctx, client, space, contracts.FeatureResource, QualifiedResourceURI("files", "file:///shared.txt"), nil)
	require.NoError(t, err)
	assert.Equal(t, "file:///shared.txt", backends.calls[1].URI)

	_, err = r.Invoke(ctx, client, space, contracts.FeatureTool, "echo__missing", nil)
	assert.Equal(t, gwerr.KindNotFound, gwerr.KindOf(err))
}

func TestInvokeDeniedLooksUnknown(t *testing.T) {
	acc, backends := fixture()
	snap := *acc.Current()
	snap.Clients = map[string]*contracts.Client{client: {ID: client, Approved: true, Mode: contracts.ModeFollowActive}}
	acc.snap.Store(&snap)
	r := New(acc, backends, Options{}, zap.NewNop())

	_, deniedErr := r.Invoke(context.Background(), client, space, contracts.FeatureTool, "echo__say", nil)
	_, unknownErr := r.Invoke(context.Background(), client, space, contracts.FeatureTool, "echo__nope", nil)
	require.Error(t, deniedErr)
	assert.Equal(t, gwerr.KindOf(unknownErr), gwerr.KindOf(deniedErr))

	code, msg := gwerr.JSONRPCCode(deniedErr)
	unknownCode, unknownMsg := gwerr.JSONRPCCode(unknownErr)
	assert.Equal(t, unknownCode, code)
	assert.Equal(t, unknownMsg, msg)
	assert.Empty(t, backends.calls)
}

func TestInvokeUnavailableBackend(t *testing.T) {
	acc, backends := fixture()
	backends.set("echo", types.StateReconnecting, nil)
	r := New(acc, backends, Options{}, zap.NewNop())

	_, err := r.Invoke(context.Background(), client, space, contracts.FeatureTool, "echo__say", nil)
	assert.Equal(t, gwerr.KindBackendUnavailable, gwerr.KindOf(err))
	assert.Empty(t, backends.calls)
}

func receive(t *testing.T, w *Watcher) Notification {
	t.Helper()
	select {
	case n := <-w.C:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func assertQuiet(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case n := <-w.C:
		t.Fatalf("unexpected notification %v", n)
	case <-time.After(d):
	}
}

func capabilityChanged(id string, kind contracts.FeatureKind) eventbus.Event {
	evt := eventbus.New(eventbus.EventTypeCapabilityChanged, nil)
	evt.InstallationID = id
	evt.SpaceID = space
	evt.Kind = kind
	return evt
}

func TestAllThreeKindsReachEverySession(t *testing.T) {
	acc, backends := fixture()
	r := New(acc, backends, Options{}, zap.NewNop())

	w1 := r.Watch("s1", client, space)
	defer w1.Close()
	w2 := r.Watch("s2", client, space)
	defer w2.Close()

	backends.set("echo", types.StateConnected, &types.Capabilities{
		Tools:     []mcp.Tool{{Name: "say"}, {Name: "shout"}},
		Prompts:   []mcp.Prompt{{Name: "greet"}, {Name: "part"}},
		Resources: []mcp.Resource{{URI: "file:///echo.txt", Name: "echo"}},
	})
	for _, kind := range contracts.FeatureKinds {
		r.handle(capabilityChanged("echo", kind))
	}

	for _, w := range []*Watcher{w1, w2} {
		got := map[contracts.FeatureKind]string{}
		for i := 0; i < 3; i++ {
			n := receive(t, w)
			got[n.Kind] = n.Method
		}
		assert.Equal(t, map[contracts.FeatureKind]string{
			contracts.FeatureTool:     "notifications/tools/list_changed",
			contracts.FeaturePrompt:   "notifications/prompts/list_changed",
			contracts.FeatureResource: "notifications/resources/list_changed",
		}, got)
	}
}

func TestUnchangedContentDoesNotNotify(t *testing.T) {
	acc, backends := fixture()
	r := New(acc, backends, Options{}, zap.NewNop())
	w := r.Watch("s1", client, space)
	defer w.Close()

	r.handle(capabilityChanged("echo", contracts.FeatureTool))
	assertQuiet(t, w, 100*time.Millisecond)

	backends.set("files", types.StateReconnecting, nil)
	r.handle(eventbus.Event{Type: eventbus.EventTypeConnectionStateChanged, InstallationID: "files", SpaceID: space})
	n := receive(t, w)
	assert.Equal(t, contracts.FeatureTool, n.Kind)
	n = receive(t, w)
	assert.Equal(t, contracts.FeatureResource, n.Kind)
	assertQuiet(t, w, 100*time.Millisecond)
}

func TestOtherSpaceDoesNotNotify(t *testing.T) {
	acc, backends := fixture()
	snap := *acc.Current()
	snap.Spaces = map[string]*contracts.Space{
		space:   snap.Spaces[space],
		"other": {ID: "other", Name: "other"},
	}
	snap.Installations = map[string]*contracts.Installation{
		"echo":   snap.Installations["echo"],
		"files":  snap.Installations["files"],
		"remote": {ID: "remote", Alias: "remote", SpaceID: "other", Enabled: true},
	}
	acc.snap.Store(&snap)
	r := New(acc, backends, Options{}, zap.NewNop())
	w := r.Watch("s1", client, space)
	defer w.Close()

	backends.set("remote", types.StateConnected, &types.Capabilities{Tools: []mcp.Tool{{Name: "x"}}})
	r.handle(capabilityChanged("remote", contracts.FeatureTool))
	assertQuiet(t, w, 100*time.Millisecond)
}

func TestThrottleCoalescesBursts(t *testing.T) {
	acc, backends := fixture()
	r := New(acc, backends, Options{Throttle: 200 * time.Millisecond}, zap.NewNop())
	w := r.Watch("s1", client, space)
	defer w.Close()

	for i, names := range [][]string{{"a"}, {"a", "b"}, {"a", "b", "c"}} {
		tools := make([]mcp.Tool, 0, len(names))
		for _, n := range names {
			tools = append(tools, mcp.Tool{Name: n})
		}
		backends.set("echo", types.StateConnected, &types.Capabilities{Tools: tools})
		r.handle(capabilityChanged("echo", contracts.FeatureTool))
		if i == 0 {
			assert.Equal(t, contracts.FeatureTool, receive(t, w).Kind, "the leading change is sent at once")
		}
	}

	assert.Equal(t, contracts.FeatureTool, receive(t, w).Kind, "the burst ends in one trailing notification")
	assertQuiet(t, w, 400*time.Millisecond)
}

func TestCloseStopsDelivery(t *testing.T) {
	acc, backends := fixture()
	r := New(acc, backends, Options{}, zap.NewNop())
	w := r.Watch("s1", client, space)
	assert.Equal(t, 1, r.Sessions())
	w.Close()
	assert.Equal(t, 0, r.Sessions())

	_, open := <-w.C
	assert.False(t, open)
}

func TestViewStaysInGivenSpace(t *testing.T) {
	acc, backends := fixture()
	snap := *acc.Current()
	snap.Spaces = map[string]*contracts.Space{
		space:   {ID: space, Name: "work"},
		"other": {ID: "other", Name: "other", IsActive: true},
	}
	snap.ActiveSpaceID = "other"
	acc.snap.Store(&snap)
	r := New(acc, backends, Options{}, zap.NewNop())

	v := r.EffectiveCapabilities(client, space)
	assert.Equal(t, space, v.SpaceID)
	assert.ElementsMatch(t, []string{"echo__say", "files__read"}, toolNames(v))
	assert.Empty(t, toolNames(r.EffectiveCapabilities(client, "other")))
}

func TestWithdrawnApprovalEmptiesView(t *testing.T) {
	acc, backends := fixture()
	snap := *acc.Current()
	c := *snap.Clients[client]
	c.Approved = false
	snap.Clients = map[string]*contracts.Client{client: &c}
	acc.snap.Store(&snap)
	r := New(acc, backends, Options{}, zap.NewNop())

	v := r.EffectiveCapabilities(client, space)
	assert.Empty(t, v.Refs())
	_, err := r.Invoke(context.Background(), client, space, contracts.FeatureTool, "echo__say", nil)
	assert.Equal(t, gwerr.KindNotFound, gwerr.KindOf(err))
}

// hookedAccess runs hook on the first Current call and still returns the
// snapshot that was current before the hook ran.
type hookedAccess struct {
	*staticAccess
	once sync.Once
	hook func()
}

func (h *hookedAccess) Current() *access.Snapshot {
	snap := h.staticAccess.Current()
	h.once.Do(h.hook)
	return snap
}

func TestChangeDuringWatchIsNotifiedOnce(t *testing.T) {
	static, backends := fixture()
	acc := &hookedAccess{staticAccess: static}
	r := New(acc, backends, Options{}, zap.NewNop())

	handled := make(chan struct{})
	acc.hook = func() {
		next := *static.Current()
		next.Installations = map[string]*contracts.Installation{
			"echo":  {ID: "echo", Alias: "echo", SpaceID: space, Enabled: false},
			"files": next.Installations["files"],
		}
		static.snap.Store(&next)
		go func() {
			defer close(handled)
			r.handle(eventbus.Event{Type: eventbus.EventTypeInstallationsChanged, SpaceID: space})
		}()
	}

	w := r.Watch("s1", client, space)
	defer w.Close()
	<-handled

	got := map[contracts.FeatureKind]int{}
	for range contracts.FeatureKinds {
		got[receive(t, w).Kind]++
	}
	assert.Equal(t, map[contracts.FeatureKind]int{
		contracts.FeatureTool:     1,
		contracts.FeaturePrompt:   1,
		contracts.FeatureResource: 1,
	}, got)
	assertQuiet(t, w, 100*time.Millisecond)
}

func TestConcurrentChecksNeverRepeatAnnouncement(t *testing.T) {
	acc, backends := fixture()
	r := New(acc, backends, Options{Throttle: 50 * time.Millisecond}, zap.NewNop())
	w := r.Watch("s1", client, space)
	defer w.Close()

	backends.set("echo", types.StateConnected, &types.Capabilities{Tools: []mcp.Tool{{Name: "say"}, {Name: "shout"}}})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.OnBackendNotification("echo", contracts.FeatureTool)
		}()
	}
	wg.Wait()

	assert.Equal(t, contracts.FeatureTool, receive(t, w).Kind)
	assertQuiet(t, w, 200*time.Millisecond)
}
