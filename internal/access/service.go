package access

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/storage"
)

// Repository persists access-control records. *storage.BoltDB implements it.
type Repository interface {
	LoadAccessData() (*storage.AccessData, error)
	Update(fn func(*storage.Tx) error) error
}

// Publisher receives domain events.
type Publisher interface {
	Publish(evt eventbus.Event) eventbus.Event
}

// Service is the single writer of the access-control state.
//
// Every mutation clones the current snapshot, applies its change, persists
// the touched records in one storage transaction and only then publishes
// the new snapshot and its events. A failed write leaves the published
// snapshot untouched.
type Service struct {
	repo   Repository
	bus    Publisher
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	snapshot atomic.Pointer[Snapshot]
	mu       sync.Mutex
}

// NewService loads the persisted state. bus may be nil.
func NewService(repo Repository, bus Publisher, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:   repo,
		bus:    bus,
		logger: logger.Named("access"),
		now:    time.Now,
		newID:  uuid.NewString,
	}

	data, err := repo.LoadAccessData()
	if err != nil {
		return nil, gwerr.Storage("access.load", err)
	}
	snap := emptySnapshot()
	snap.ActiveSpaceID = data.ActiveSpaceID
	for i := range data.Spaces {
		sp := data.Spaces[i]
		snap.Spaces[sp.ID] = &sp
	}
	for i := range data.Installations {
		inst := data.Installations[i]
		snap.Installations[inst.ID] = &inst
	}
	for i := range data.FeatureSets {
		fs := data.FeatureSets[i]
		snap.FeatureSets[fs.ID] = &fs
	}
	for i := range data.Clients {
		c := data.Clients[i]
		snap.Clients[c.ID] = &c
	}
	for _, a := range data.Advertised {
		snap.Advertised[a.Ref()] = a.FirstSeen
	}
	s.snapshot.Store(snap)

	s.logger.Info("Access state loaded",
		zap.Int("spaces", len(snap.Spaces)),
		zap.Int("installations", len(snap.Installations)),
		zap.Int("feature_sets", len(snap.FeatureSets)),
		zap.Int("clients", len(snap.Clients)))
	return s, nil
}

// Current returns the latest published snapshot without locking.
func (s *Service) Current() *Snapshot {
	return s.snapshot.Load()
}

// txn accumulates one mutation: the next snapshot, the storage writes that
// persist it and the events announcing it.
type txn struct {
	next   *Snapshot
	now    time.Time
	writes []func(*storage.Tx) error
	events []eventbus.Event
}

func (t *txn) write(fn func(*storage.Tx) error) {
	t.writes = append(t.writes, fn)
}

func (t *txn) emit(evt eventbus.Event) {
	for _, e := range t.events {
		if e.Type == evt.Type && e.SpaceID == evt.SpaceID && e.ClientID == evt.ClientID && e.InstallationID == evt.InstallationID {
			return
		}
	}
	t.events = append(t.events, evt)
}

func (t *txn) putSpace(sp *contracts.Space) {
	t.next.Spaces[sp.ID] = sp
	t.write(func(tx *storage.Tx) error { return tx.PutSpace(sp) })
}

func (t *txn) putInstallation(inst *contracts.Installation) {
	t.next.Installations[inst.ID] = inst
	t.write(func(tx *storage.Tx) error { return tx.PutInstallation(inst) })
}

func (t *txn) putFeatureSet(fs *contracts.FeatureSet) {
	t.next.FeatureSets[fs.ID] = fs
	t.write(func(tx *storage.Tx) error { return tx.PutFeatureSet(fs) })
	t.emit(spaceEvent(eventbus.EventTypeFeatureSetsChanged, fs.SpaceID, nil))
}

func (t *txn) deleteFeatureSet(fs *contracts.FeatureSet) {
	delete(t.next.FeatureSets, fs.ID)
	t.write(func(tx *storage.Tx) error { return tx.DeleteFeatureSet(fs.ID) })
	t.emit(spaceEvent(eventbus.EventTypeFeatureSetsChanged, fs.SpaceID, nil))
	t.dropGrantsTo(fs.SpaceID, fs.ID)
}

func (t *txn) putClient(c *contracts.Client) {
	t.next.Clients[c.ID] = c
	t.write(func(tx *storage.Tx) error { return tx.PutClient(c) })
}

// dropGrantsTo removes every client's grant of one feature set.
func (t *txn) dropGrantsTo(spaceID, featureSetID string) {
	for _, c := range t.next.Clients {
		ids := c.Grants[spaceID]
		if !containsString(ids, featureSetID) {
			continue
		}
		nc := cloneClient(c)
		nc.Grants[spaceID] = removeString(ids, featureSetID)
		if len(nc.Grants[spaceID]) == 0 {
			delete(nc.Grants, spaceID)
		}
		t.putClient(nc)
		t.emit(clientEvent(eventbus.EventTypeGrantsChanged, nc.ID, spaceID, nil))
	}
}

// mutate runs fn against a clone of the current snapshot and commits it.
func (s *Service) mutate(op string, fn func(t *txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Current()
	t := &txn{next: cur.clone(), now: s.now()}
	if err := fn(t); err != nil {
		return err
	}
	if len(t.writes) == 0 {
		return nil
	}

	err := s.repo.Update(func(tx *storage.Tx) error {
		for _, w := range t.writes {
			if err := w(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to persist access change", zap.String("op", op), zap.Error(err))
		return gwerr.Storage(op, err)
	}

	t.next.Version = cur.Version + 1
	t.next.Timestamp = t.now
	s.snapshot.Store(t.next)

	s.logger.Debug("Access state updated",
		zap.String("op", op),
		zap.Int64("version", t.next.Version),
		zap.Int("events", len(t.events)))

	if s.bus != nil {
		for _, evt := range t.events {
			s.bus.Publish(evt)
		}
	}
	return nil
}

func spaceEvent(typ eventbus.EventType, spaceID string, payload map[string]any) eventbus.Event {
	evt := eventbus.New(typ, payload)
	evt.SpaceID = spaceID
	return evt
}

func clientEvent(typ eventbus.EventType, clientID, spaceID string, payload map[string]any) eventbus.Event {
	evt := eventbus.New(typ, payload)
	evt.ClientID = clientID
	evt.SpaceID = spaceID
	return evt
}

func installationEvent(inst *contracts.Installation, action string) eventbus.Event {
	evt := eventbus.New(eventbus.EventTypeInstallationsChanged, map[string]any{
		"alias":  inst.Alias,
		"action": action,
	})
	evt.SpaceID = inst.SpaceID
	evt.InstallationID = inst.ID
	return evt
}

func cloneClient(c *contracts.Client) *contracts.Client {
	nc := *c
	nc.Grants = make(map[string][]string, len(c.Grants))
	for k, v := range c.Grants {
		nc.Grants[k] = append([]string(nil), v...)
	}
	return &nc
}

func cloneFeatureSet(fs *contracts.FeatureSet) *contracts.FeatureSet {
	nfs := *fs
	nfs.Members = append([]contracts.FeatureRef(nil), fs.Members...)
	return &nfs
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
