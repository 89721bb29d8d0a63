package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime/eventbus"
	"github.com/smart-mcp-proxy/mcpgate/internal/upstream/types"
)

// advertisedRefs lists every feature in caps as a reference owned by
// installationID.
func advertisedRefs(installationID string, caps *types.Capabilities) []contracts.FeatureRef {
	if caps == nil {
		return nil
	}
	refs := make([]contracts.FeatureRef, 0, len(caps.Tools)+len(caps.Prompts)+len(caps.Resources))
	for _, t := range caps.Tools {
		refs = append(refs, contracts.FeatureRef{ServerID: installationID, Kind: contracts.FeatureTool, Name: t.Name})
	}
	for _, p := range caps.Prompts {
		refs = append(refs, contracts.FeatureRef{ServerID: installationID, Kind: contracts.FeaturePrompt, Name: p.Name})
	}
	for _, r := range caps.Resources {
		refs = append(refs, contracts.FeatureRef{ServerID: installationID, Kind: contracts.FeatureResource, Name: r.URI})
	}
	return refs
}

// syncCatalog records what Connected backends advertise and makes sure each
// one has a visible server-all feature set. It runs until ctx is done.
func (r *Runtime) syncCatalog(ctx context.Context) {
	sub := r.bus.Subscribe("catalog-sync", func(e eventbus.Event) bool {
		return e.Type == eventbus.EventTypeServerFeaturesRefreshed
	})
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			r.recordFeatures(evt.InstallationID)
		}
	}
}

func (r *Runtime) recordFeatures(installationID string) {
	inst, ok := r.access.Current().Installations[installationID]
	if !ok || !inst.Enabled {
		return
	}
	snap, ok := r.upstream.Snapshot(installationID)
	if !ok || snap.State != types.StateConnected {
		return
	}

	log := r.logger.With(zap.String("installation", installationID), zap.String("alias", inst.Alias))
	if err := r.access.RecordAdvertised(installationID, advertisedRefs(installationID, snap.Capabilities)); err != nil {
		log.Warn("Failed to record advertised features", zap.Error(err))
	}
	if _, err := r.access.EnsureServerAllFeatureSet(installationID); err != nil {
		log.Warn("Failed to ensure server feature set", zap.Error(err))
	}
}
