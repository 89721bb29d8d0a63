package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func (a *app) spacesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spaces",
		Short: "Manage spaces",
		Long:  "Spaces group backend installations and feature sets. Clients following the active space see its features.",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List spaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			spaces, err := c.ListSpaces(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), spaces, []string{"ID", "NAME", "ACTIVE", "INSTALLATIONS"}, func() [][]string {
				rows := make([][]string, 0, len(spaces))
				for _, sp := range spaces {
					rows = append(rows, []string{sp.ID, sp.Name, yesNo(sp.IsActive), strconv.Itoa(sp.Installations)})
				}
				return rows
			})
		},
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			sp, err := c.CreateSpace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created space %s (%s)\n", sp.Name, sp.ID)
			return nil
		},
	}

	activate := &cobra.Command{
		Use:   "activate <name|id>",
		Short: "Make a space the active space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := c.ResolveSpace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sp, err := c.ActivateSpace(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active space is now %s\n", sp.Name)
			return nil
		},
	}

	featureSets := &cobra.Command{
		Use:     "feature-sets [name|id]",
		Aliases: []string{"fs"},
		Short:   "List the feature sets of a space (default: the active space)",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := c.ResolveSpace(cmd.Context(), firstArg(args))
			if err != nil {
				return err
			}
			sets, err := c.ListFeatureSets(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), sets, []string{"ID", "NAME", "KIND", "MEMBERS"}, func() [][]string {
				rows := make([][]string, 0, len(sets))
				for _, fs := range sets {
					rows = append(rows, []string{fs.ID, fs.Name, string(fs.Kind), strconv.Itoa(len(fs.Members))})
				}
				return rows
			})
		},
	}

	cmd.AddCommand(list, create, activate, featureSets)
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
