// Package management orchestrates installation lifecycle across the
// access-control catalog, backend connections and backend OAuth.
// The control API, the CLI and config seeding all delegate to this service.
package management

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/access"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/gwerr"
	"github.com/smart-mcp-proxy/mcpgate/internal/oauth"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/stateview"
	"github.com/smart-mcp-proxy/mcpgate/internal/secret"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

// BulkOperationResult holds the results of a bulk operation across multiple installations.
type BulkOperationResult struct {
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Errors     map[string]string `json:"errors"` // alias -> error message
}

// Catalog is the access-control surface for installations and spaces.
type Catalog interface {
	Current() *access.Snapshot
	AddInstallation(inst contracts.Installation) (*contracts.Installation, error)
	UpdateInstallation(id string, fn func(*contracts.Installation) error) (*contracts.Installation, error)
	SetEnabled(id string, enabled bool) (*contracts.Installation, error)
	RemoveInstallation(id string) error
	CreateSpace(name string) (*contracts.Space, error)
	SetActiveSpace(id string) error
}

// Connections is the backend connection manager surface.
type Connections interface {
	Connect(inst *contracts.Installation) error
	Disconnect(id string)
	Remove(id string)
	Reconnect(id string) error
	Snapshot(id string) (*types.Snapshot, bool)
}

// Authorizer is the backend OAuth flow manager surface.
type Authorizer interface {
	StartAuthorization(ctx context.Context, inst *contracts.Installation) (string, error)
	HandleCallback(ctx context.Context, state, code string) (string, error)
	AbortFlow(state, reason string)
	Logout(installationID string) error
	Forget(installationID string) error
	Status(installationID string) (*oauth.Status, error)
}

// StatusView reports connection status without touching connection goroutines.
type StatusView interface {
	Get(installationID string) (*stateview.BackendStatus, bool)
}

// Options gates write operations.
type Options struct {
	// ReadOnly rejects every mutating operation.
	ReadOnly bool
}

// Service implements installation lifecycle operations.
type Service struct {
	catalog Catalog
	conns   Connections
	auth    Authorizer
	status  StatusView
	secrets secret.Store
	opts    Options
	logger  *zap.SugaredLogger
}

// NewService creates a management service. auth and status may be nil.
func NewService(catalog Catalog, conns Connections, auth Authorizer, status StatusView, secrets secret.Store, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		catalog: catalog,
		conns:   conns,
		auth:    auth,
		status:  status,
		secrets: secrets,
		opts:    opts,
		logger:  logger.Named("management").Sugar(),
	}
}

// ErrReadOnly rejects mutations while the gateway runs read-only.
var ErrReadOnly = errors.New("management operations are disabled (read_only=true)")

// checkWriteGates verifies if write operations are allowed based on configuration.
func (s *Service) checkWriteGates(op string) error {
	if s.opts.ReadOnly {
		return gwerr.E(gwerr.KindPermission, op, ErrReadOnly)
	}
	return nil
}

func (s *Service) installation(op, id string) (*contracts.Installation, error) {
	inst, ok := s.catalog.Current().Installations[id]
	if !ok {
		return nil, gwerr.NotFound(op, "installation", id)
	}
	return inst, nil
}

// List returns the installations of spaceID (every space when empty),
// ordered by alias.
func (s *Service) List(spaceID string) []*InstallationView {
	snap := s.catalog.Current()
	var insts []*contracts.Installation
	if spaceID == "" {
		for _, inst := range snap.Installations {
			insts = append(insts, inst)
		}
	} else {
		insts = snap.InstallationsIn(spaceID)
	}
	sort.Slice(insts, func(i, j int) bool {
		if insts[i].SpaceID != insts[j].SpaceID {
			return insts[i].SpaceID < insts[j].SpaceID
		}
		return insts[i].Alias < insts[j].Alias
	})
	out := make([]*InstallationView, 0, len(insts))
	for _, inst := range insts {
		out = append(out, s.view(inst))
	}
	return out
}

// Get returns one installation with its live status.
func (s *Service) Get(id string) (*InstallationView, error) {
	inst, err := s.installation("management.get", id)
	if err != nil {
		return nil, err
	}
	return s.view(inst), nil
}

// Install adds an installation, encrypting its input values, and connects
// it when enabled.
func (s *Service) Install(ctx context.Context, req InstallRequest) (*InstallationView, error) {
	const op = "management.install"
	if err := s.checkWriteGates(op); err != nil {
		return nil, err
	}
	values, err := s.encryptValues(op, req.Values)
	if err != nil {
		return nil, err
	}

	inst, err := s.catalog.AddInstallation(contracts.Installation{
		Alias:        req.Alias,
		ServerDefRef: req.ServerDefRef,
		SpaceID:      req.SpaceID,
		Enabled:      req.Enabled,
		Transport:    req.Transport,
		Inputs:       req.Inputs,
		InputValues:  values,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Installed server",
		"installation", inst.ID,
		"alias", inst.Alias,
		"space", inst.SpaceID,
		"transport", string(inst.Transport.Kind))

	if inst.Enabled {
		if err := s.conns.Connect(inst); err != nil {
			return nil, err
		}
	}
	return s.view(inst), nil
}

// Uninstall disconnects the backend, forgets its OAuth state and removes
// it from the catalog together with its server-all set.
func (s *Service) Uninstall(_ context.Context, id string) error {
	const op = "management.uninstall"
	if err := s.checkWriteGates(op); err != nil {
		return err
	}
	inst, err := s.installation(op, id)
	if err != nil {
		return err
	}

	s.conns.Remove(id)
	if s.auth != nil {
		if err := s.auth.Forget(id); err != nil {
			s.logger.Warnw("Failed to forget backend OAuth state", "installation", id, "error", err)
		}
	}
	if err := s.catalog.RemoveInstallation(id); err != nil {
		return err
	}
	s.logger.Infow("Uninstalled server", "installation", id, "alias", inst.Alias)
	return nil
}

// SetEnabled enables or disables an installation. Disabling disconnects
// immediately and hides its server-all set; enabling reconnects and the
// set reappears once the backend is Connected.
func (s *Service) SetEnabled(_ context.Context, id string, enabled bool) error {
	const op = "management.set_enabled"
	if err := s.checkWriteGates(op); err != nil {
		return err
	}
	inst, err := s.catalog.SetEnabled(id, enabled)
	if err != nil {
		return err
	}
	if !enabled {
		s.conns.Disconnect(id)
		s.logger.Infow("Disabled server", "installation", id, "alias", inst.Alias)
		return nil
	}
	if err := s.conns.Connect(inst); err != nil {
		return err
	}
	s.logger.Infow("Enabled server", "installation", id, "alias", inst.Alias)
	return nil
}

// Configure sets input values; an empty value clears the input. An enabled
// installation is reconnected with the new values.
func (s *Service) Configure(_ context.Context, id string, values map[string]string) (*InstallationView, error) {
	const op = "management.configure"
	if err := s.checkWriteGates(op); err != nil {
		return nil, err
	}
	encrypted, err := s.encryptValues(op, values)
	if err != nil {
		return nil, err
	}
	inst, err := s.catalog.UpdateInstallation(id, func(inst *contracts.Installation) error {
		declared := make(map[string]bool, len(inst.Inputs))
		for _, in := range inst.Inputs {
			declared[in.Name] = true
		}
		for name, v := range values {
			if !declared[name] {
				return gwerr.Invalid(op, "installation does not declare input %q", name)
			}
			if v == "" {
				delete(inst.InputValues, name)
				continue
			}
			inst.InputValues[name] = encrypted[name]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if inst.Enabled {
		if err := s.conns.Connect(inst); err != nil {
			return nil, err
		}
	}
	return s.view(inst), nil
}

func (s *Service) encryptValues(op string, values map[string]string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(values))
	for name, v := range values {
		if v == "" {
			continue
		}
		blob, err := s.secrets.Encrypt([]byte(v))
		if err != nil {
			return nil, gwerr.Storage(op, fmt.Errorf("encrypt input %s: %w", name, err))
		}
		out[name] = blob
	}
	return out, nil
}

// Restart forces a fresh connection attempt.
func (s *Service) Restart(_ context.Context, id string) error {
	const op = "management.restart"
	if err := s.checkWriteGates(op); err != nil {
		return err
	}
	inst, err := s.installation(op, id)
	if err != nil {
		return err
	}
	if !inst.Enabled {
		return gwerr.Invalid(op, "installation %s is disabled", inst.Alias)
	}
	if _, ok := s.conns.Snapshot(id); !ok {
		return s.conns.Connect(inst)
	}
	return s.conns.Reconnect(id)
}

// Features returns the capabilities a Connected backend currently advertises.
func (s *Service) Features(id string) (*types.Capabilities, error) {
	const op = "management.features"
	inst, err := s.installation(op, id)
	if err != nil {
		return nil, err
	}
	snap, ok := s.conns.Snapshot(id)
	if !ok || snap.State != types.StateConnected || snap.Capabilities == nil {
		state := types.StateDisabled
		if ok {
			state = snap.State
		}
		return nil, gwerr.BackendUnavailable(op, inst.Alias, state.String())
	}
	return snap.Capabilities, nil
}

// Login starts the backend OAuth flow and returns the URL the user opens.
func (s *Service) Login(ctx context.Context, id string) (string, error) {
	const op = "management.login"
	if err := s.checkWriteGates(op); err != nil {
		return "", err
	}
	if s.auth == nil {
		return "", gwerr.Configuration(op, "backend OAuth is not configured")
	}
	inst, err := s.installation(op, id)
	if err != nil {
		return "", err
	}
	url, err := s.auth.StartAuthorization(ctx, inst)
	if err != nil {
		return "", err
	}
	s.logger.Infow("Backend OAuth flow started", "installation", id, "alias", inst.Alias)
	return url, nil
}

// CompleteLogin finishes a flow from the OAuth callback.
func (s *Service) CompleteLogin(ctx context.Context, state, code, callbackErr string) (string, error) {
	const op = "management.complete_login"
	if s.auth == nil {
		return "", gwerr.Configuration(op, "backend OAuth is not configured")
	}
	if callbackErr != "" {
		s.auth.AbortFlow(state, callbackErr)
		return "", gwerr.Auth(op, "authorization failed: %s", callbackErr)
	}
	return s.auth.HandleCallback(ctx, state, code)
}

// Logout drops the backend's OAuth tokens.
func (s *Service) Logout(_ context.Context, id string) error {
	const op = "management.logout"
	if err := s.checkWriteGates(op); err != nil {
		return err
	}
	if s.auth == nil {
		return gwerr.Configuration(op, "backend OAuth is not configured")
	}
	if _, err := s.installation(op, id); err != nil {
		return err
	}
	return s.auth.Logout(id)
}

// EnableAll enables every installation of spaceID.
func (s *Service) EnableAll(ctx context.Context, spaceID string) (*BulkOperationResult, error) {
	return s.bulkSetEnabled(ctx, spaceID, true)
}

// DisableAll disables every installation of spaceID.
func (s *Service) DisableAll(ctx context.Context, spaceID string) (*BulkOperationResult, error) {
	return s.bulkSetEnabled(ctx, spaceID, false)
}

func (s *Service) bulkSetEnabled(ctx context.Context, spaceID string, enabled bool) (*BulkOperationResult, error) {
	if err := s.checkWriteGates("management.bulk_set_enabled"); err != nil {
		return nil, err
	}
	result := &BulkOperationResult{Errors: make(map[string]string)}
	for _, inst := range s.catalog.Current().InstallationsIn(spaceID) {
		if inst.Enabled == enabled {
			continue
		}
		result.Total++
		if err := s.SetEnabled(ctx, inst.ID, enabled); err != nil {
			result.Failed++
			result.Errors[inst.Alias] = err.Error()
			continue
		}
		result.Successful++
	}
	s.logger.Infow("Bulk enable completed",
		"space", spaceID,
		"enabled", enabled,
		"total", result.Total,
		"failed", result.Failed)
	return result, nil
}
