package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpgate/internal/cliclient"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/httpapi"
)

func (a *app) clientsCmd() *cobra.Command {
	var space string
	cmd := &cobra.Command{
		Use:     "clients",
		Aliases: []string{"client"},
		Short:   "Manage downstream MCP clients",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			clients, err := c.ListClients(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), clients, []string{"ID", "NAME", "APPROVED", "MODE", "SPACE", "GRANTS", "LAST SEEN"}, func() [][]string {
				rows := make([][]string, 0, len(clients))
				for _, cv := range clients {
					spaceCol := cv.ResolvedSpaceID
					if cv.ResolveError != "" {
						spaceCol = "(" + cv.ResolveError + ")"
					}
					rows = append(rows, []string{
						cv.ID, cv.Name, yesNo(cv.Approved), string(cv.Mode),
						orDash(spaceCol), strings.Join(grantCounts(cv.Grants), " "), formatSeen(cv.LastSeen),
					})
				}
				return rows
			})
		},
	}

	var deny bool
	approve := &cobra.Command{
		Use:   "approve <client>",
		Short: "Approve a client (or withdraw approval with --deny)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := resolveClient(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			if err := c.ApproveClient(cmd.Context(), id, !deny); err != nil {
				return err
			}
			if deny {
				fmt.Fprintf(cmd.OutOrStdout(), "Withdrew approval of %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Approved %s\n", args[0])
			}
			return nil
		},
	}
	approve.Flags().BoolVar(&deny, "deny", false, "Withdraw approval instead")

	grantCmd := func(use, short, done string, grant bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <client> <feature-set>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := a.client()
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				clientID, err := resolveClient(ctx, c, args[0])
				if err != nil {
					return err
				}
				spaceID, err := c.ResolveSpace(ctx, space)
				if err != nil {
					return err
				}
				fsID, err := c.ResolveFeatureSet(ctx, spaceID, args[1])
				if err != nil {
					return err
				}
				if grant {
					err = c.Grant(ctx, clientID, spaceID, fsID)
				} else {
					err = c.Revoke(ctx, clientID, spaceID, fsID)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %q for %s\n", done, args[1], args[0])
				return nil
			},
		}
	}
	grant := grantCmd("grant", "Grant a feature set to a client", "Granted", true)
	revoke := grantCmd("revoke", "Revoke a feature set from a client", "Revoked", false)

	mode := &cobra.Command{
		Use:   "mode <client> <follow-active|locked-to-space|ask>",
		Short: "Change how a client's space is chosen",
		Long: `Change how a client's space is chosen.

  follow-active    the client always sees the active space
  locked-to-space  the client stays in --space (default: the active space)
  ask              the client uses the space chosen with "mcpgate clients choose"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(args[1])
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			clientID, err := resolveClient(ctx, c, args[0])
			if err != nil {
				return err
			}
			var spaceID string
			if m == contracts.ModeLockedToSpace {
				if spaceID, err = c.ResolveSpace(ctx, space); err != nil {
					return err
				}
			}
			if err := c.SetMode(ctx, clientID, m, spaceID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s to %s\n", args[0], m)
			return nil
		},
	}

	choose := &cobra.Command{
		Use:   "choose <client> <space>",
		Short: "Pick the space of an ask-mode client",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			clientID, err := resolveClient(ctx, c, args[0])
			if err != nil {
				return err
			}
			spaceID, err := c.ResolveSpace(ctx, args[1])
			if err != nil {
				return err
			}
			if err := c.ChooseSpace(ctx, clientID, spaceID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now uses space %s\n", args[0], args[1])
			return nil
		},
	}

	for _, sub := range []*cobra.Command{grant, revoke, mode} {
		sub.Flags().StringVarP(&space, "space", "s", "", "Space name or id (default: the active space)")
	}

	cmd.AddCommand(list, approve, grant, revoke, mode, choose)
	return cmd
}

func (a *app) authzCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authz",
		Short: "Decide pending OAuth authorization requests of unapproved clients",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending authorization requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			pending, err := c.ListAuthorizations(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), pending, []string{"ID", "CLIENT", "REDIRECT URI", "STATUS", "EXPIRES"}, func() [][]string {
				rows := make([][]string, 0, len(pending))
				for _, p := range pending {
					name := p.ClientName
					if name == "" {
						name = p.ClientID
					}
					rows = append(rows, []string{p.ID, name, p.RedirectURI, string(p.Status), p.ExpiresAt.Local().Format(time.Kitchen)})
				}
				return rows
			})
		},
	}

	decide := func(approve bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.DecideAuthorization(cmd.Context(), args[0], approve); err != nil {
				return err
			}
			verb := "Denied"
			if approve {
				verb = "Approved"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s request %s\n", verb, args[0])
			return nil
		}
	}
	approve := &cobra.Command{Use: "approve <request-id>", Short: "Approve a pending request", Args: cobra.ExactArgs(1), RunE: decide(true)}
	deny := &cobra.Command{Use: "deny <request-id>", Short: "Deny a pending request", Args: cobra.ExactArgs(1), RunE: decide(false)}

	cmd.AddCommand(list, approve, deny)
	return cmd
}

// resolveClient maps a client id or a unique client name to its id.
func resolveClient(ctx context.Context, c *cliclient.Client, ref string) (string, error) {
	clients, err := c.ListClients(ctx)
	if err != nil {
		return "", err
	}
	return matchClient(clients, ref)
}

func matchClient(clients []httpapi.ClientView, ref string) (string, error) {
	var byName []string
	for _, cv := range clients {
		if cv.ID == ref {
			return cv.ID, nil
		}
		if strings.EqualFold(cv.Name, ref) {
			byName = append(byName, cv.ID)
		}
	}
	switch len(byName) {
	case 0:
		return "", fmt.Errorf("client not found: %s", ref)
	case 1:
		return byName[0], nil
	default:
		return "", fmt.Errorf("client name %q is ambiguous, use one of: %s", ref, strings.Join(byName, ", "))
	}
}

func parseMode(s string) (contracts.ConnectionMode, error) {
	switch m := contracts.ConnectionMode(s); m {
	case contracts.ModeFollowActive, contracts.ModeLockedToSpace, contracts.ModeAsk:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (valid: %s, %s, %s)", s,
		contracts.ModeFollowActive, contracts.ModeLockedToSpace, contracts.ModeAsk)
}

// grantCounts renders grants as sorted "space:n" pairs.
func grantCounts(grants map[string][]string) []string {
	out := make([]string, 0, len(grants))
	for spaceID, sets := range grants {
		out = append(out, fmt.Sprintf("%s:%d", spaceID, len(sets)))
	}
	sort.Strings(out)
	return out
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
