package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), st, []string{"FIELD", "VALUE"}, func() [][]string {
				return [][]string{
					{"version", st.Version},
					{"listen", st.Listen},
					{"uptime", fmt.Sprintf("%ds", st.UptimeSeconds)},
					{"active space", st.ActiveSpace},
					{"spaces", fmt.Sprint(st.Spaces)},
					{"installations", fmt.Sprint(st.Installations)},
					{"backends", formatCounts(st.Backends)},
					{"clients", fmt.Sprint(st.Clients)},
					{"sessions", fmt.Sprint(st.Sessions)},
					{"pending authorizations", fmt.Sprint(st.PendingAuthorizations)},
				}
			})
		},
	}
}

func (a *app) doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "List installations that need attention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			diag, err := c.Doctor(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), diag, []string{"SERVER", "PROBLEM", "DETAIL"}, func() [][]string {
				var rows [][]string
				for _, e := range diag.UpstreamErrors {
					rows = append(rows, []string{e.Alias, strings.ToLower(e.State), e.ErrorMessage})
				}
				for _, o := range diag.OAuthRequired {
					rows = append(rows, []string{o.Alias, "login required", o.Message})
				}
				for _, m := range diag.MissingInputs {
					rows = append(rows, []string{m.Alias, "missing inputs", strings.Join(m.Inputs, ", ")})
				}
				return rows
			})
		},
	}
}

// formatCounts renders {"Connected": 2, "Failed": 1} as "Connected=2 Failed=1".
func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
