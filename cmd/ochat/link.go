package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(linkCmd)
	linkCmd.AddCommand(linkCreateCmd)
	linkCmd.AddCommand(linkListCmd)
	linkCmd.AddCommand(linkRemoveCmd)
}

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Manage the links you created",
}

// ============================================================================
// link create
// ============================================================================

var linkCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new anonymous link",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, cfg, closeFn, err := openMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		link, err := m.CreateLink(ctx)
		if err != nil {
			return fmt.Errorf("create link: %w", err)
		}

		fmt.Printf("Link:        %s\n", link.LinkID)
		fmt.Printf("Share URL:   %s\n", m.ShareURL(origin(cfg)))
		fmt.Printf("Creator URL: %s\n", m.CreatorURL(origin(cfg)))
		fmt.Println()
		fmt.Println("Keep the creator URL private: it is the only way back to your inbox.")
		return nil
	},
}

// ============================================================================
// link list
// ============================================================================

var linkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List links created on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, closeFn, err := openMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		links := m.Cache().Links()
		if len(links) == 0 {
			fmt.Println("No links. Run 'ochat link create' to make one.")
			return nil
		}
		for _, l := range links {
			fmt.Printf("%-40s created %s\n", l.LinkID, since(l.CreatedAt))
		}
		return nil
	},
}

// ============================================================================
// link remove
// ============================================================================

var linkRemoveCmd = &cobra.Command{
	Use:   "remove <link-id>",
	Short: "Forget a link locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, closeFn, err := openMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		if _, ok := m.Cache().FindLink(args[0]); !ok {
			return fmt.Errorf("link %s is not stored on this machine", args[0])
		}
		m.Cache().RemoveLink(args[0])
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}
