package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"meshchat/directory"
	"meshchat/models"
	"meshchat/storage"
)

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage local groups",
	}
	cmd.AddCommand(groupCreateCmd(), groupListCmd())
	return cmd
}

func withDirectory(ctx context.Context, fn func(*directory.Directory) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.OpenPath(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	dir, err := directory.Open(ctx, store)
	if err != nil {
		return err
	}
	return fn(dir)
}

func groupCreateCmd() *cobra.Command {
	var groupID string
	cmd := &cobra.Command{
		Use:   "create <name> <member-id>...",
		Short: "Create a group; the local user is always a member",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			members := append([]string{cfg.UserID}, args[1:]...)
			return withDirectory(cmd.Context(), func(dir *directory.Directory) error {
				var (
					group models.Group
					err   error
				)
				if groupID != "" {
					group, err = dir.CreateGroupWithID(cmd.Context(), groupID, args[0], members)
				} else {
					group, err = dir.CreateGroup(cmd.Context(), args[0], members)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created group %s (%s)\n", group.ID, group.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&groupID, "id", "", "use a group id agreed with the other members")
	return cmd
}

func groupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(cmd.Context(), func(dir *directory.Directory) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tMEMBERS")
				for _, group := range dir.Groups() {
					fmt.Fprintf(w, "%s\t%s\t%s\n", group.ID, group.Name, strings.Join(group.MemberIDs, ","))
				}
				return w.Flush()
			})
		},
	}
}
