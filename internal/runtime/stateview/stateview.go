// Package stateview keeps a lock-free, read-mostly view of backend connection
// status for the control API and metrics. Writers clone-on-write under a
// mutex and publish a fresh immutable snapshot.
package stateview

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BackendStatus is the externally visible status of one installation's connection.
type BackendStatus struct {
	InstallationID string
	Alias          string
	SpaceID        string
	State          string
	LastError      string
	LastErrorTime  *time.Time
	ConnectedAt    *time.Time
	RetryCount     int
	ServerName     string
	ServerVersion  string
	ToolCount      int
	PromptCount    int
	ResourceCount  int
	UpdatedAt      time.Time
}

func (s *BackendStatus) clone() *BackendStatus {
	c := *s
	if s.LastErrorTime != nil {
		t := *s.LastErrorTime
		c.LastErrorTime = &t
	}
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		c.ConnectedAt = &t
	}
	return &c
}

// Snapshot is an immutable view of all backend statuses.
type Snapshot struct {
	Backends  map[string]*BackendStatus
	Timestamp time.Time
}

// View provides a read-only view of backend statuses.
type View struct {
	snapshot atomic.Pointer[Snapshot]
	mu       sync.Mutex // serializes writers
}

// New creates a new state view.
func New() *View {
	v := &View{}
	v.snapshot.Store(&Snapshot{Backends: map[string]*BackendStatus{}, Timestamp: time.Now()})
	return v
}

// Snapshot returns the current immutable snapshot (lock-free).
func (v *View) Snapshot() *Snapshot {
	return v.snapshot.Load()
}

// Get returns the status of one installation (lock-free).
func (v *View) Get(installationID string) (*BackendStatus, bool) {
	s, ok := v.Snapshot().Backends[installationID]
	return s, ok
}

// List returns all statuses ordered by alias.
func (v *View) List() []*BackendStatus {
	snap := v.Snapshot()
	out := make([]*BackendStatus, 0, len(snap.Backends))
	for _, s := range snap.Backends {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Alias != out[j].Alias {
			return out[i].Alias < out[j].Alias
		}
		return out[i].InstallationID < out[j].InstallationID
	})
	return out
}

// Update applies fn to a copy of the installation's status and publishes it.
func (v *View) Update(installationID string, fn func(*BackendStatus)) {
	v.mu.Lock()
	defer v.mu.Unlock()

	old := v.snapshot.Load()
	next := make(map[string]*BackendStatus, len(old.Backends)+1)
	for k, s := range old.Backends {
		next[k] = s
	}

	var status *BackendStatus
	if cur, ok := old.Backends[installationID]; ok {
		status = cur.clone()
	} else {
		status = &BackendStatus{InstallationID: installationID}
	}
	fn(status)
	status.UpdatedAt = time.Now()
	next[installationID] = status

	v.snapshot.Store(&Snapshot{Backends: next, Timestamp: status.UpdatedAt})
}

// Remove drops an installation from the view.
func (v *View) Remove(installationID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	old := v.snapshot.Load()
	if _, ok := old.Backends[installationID]; !ok {
		return
	}
	next := make(map[string]*BackendStatus, len(old.Backends))
	for k, s := range old.Backends {
		if k != installationID {
			next[k] = s
		}
	}
	v.snapshot.Store(&Snapshot{Backends: next, Timestamp: time.Now()})
}

// CountByState returns how many backends are in each state (lock-free).
func (v *View) CountByState() map[string]int {
	counts := make(map[string]int)
	for _, s := range v.Snapshot().Backends {
		counts[s.State]++
	}
	return counts
}
