package management

import (
	"context"
	"errors"
	"strings"

	"github.com/smart-mcp-proxy/mcpgate/internal/config"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// SeedResult counts what Seed created.
type SeedResult struct {
	SpacesCreated        int `json:"spaces_created"`
	InstallationsCreated int `json:"installations_created"`
}

// Seed creates the spaces and installations declared in configuration
// that do not exist yet. Existing entries are left alone, so seeding is
// safe to repeat on every config reload. The errors of individual
// entries are joined; the remaining entries are still seeded.
func (s *Service) Seed(ctx context.Context, seeds []config.SpaceSeed) (*SeedResult, error) {
	res := &SeedResult{}
	var errs []error
	for _, seed := range seeds {
		space := s.spaceByName(seed.Name)
		if space == nil {
			created, err := s.catalog.CreateSpace(seed.Name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			space = created
			res.SpacesCreated++
		}
		if seed.Active && !space.IsActive {
			if err := s.catalog.SetActiveSpace(space.ID); err != nil {
				errs = append(errs, err)
			}
		}

		for _, srv := range seed.Servers {
			if s.catalog.Current().InstallationByAlias(space.ID, srv.Alias) != nil {
				continue
			}
			_, err := s.Install(ctx, InstallRequest{
				SpaceID:   space.ID,
				Alias:     srv.Alias,
				Transport: srv.TransportConfig(),
				Inputs:    srv.Inputs,
				Values:    srv.Values,
				Enabled:   srv.IsEnabled(),
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			res.InstallationsCreated++
		}
	}
	if res.SpacesCreated > 0 || res.InstallationsCreated > 0 {
		s.logger.Infow("Seeded configuration",
			"spaces_created", res.SpacesCreated,
			"installations_created", res.InstallationsCreated)
	}
	return res, errors.Join(errs...)
}

func (s *Service) spaceByName(name string) *contracts.Space {
	for _, sp := range s.catalog.Current().SpaceList() {
		if strings.EqualFold(sp.Name, name) {
			return sp
		}
	}
	return nil
}
