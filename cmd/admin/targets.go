package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"teams-messenger/internal/models"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage app tag chat targets",
	Long:  `Add, list, or remove the group chats that app tags report into.`,
}

var targetsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a group chat for an app tag",
	Long: `Register a group chat for an app tag. The chat id is resolved from the
chat name on first use and cached, unless --chat-id is given.

Examples:
  admin targets add --tag invoicing --chat-name "Invoicing Alerts"
  admin targets add --tag deploys --chat-name Deploys --chat-id 19:abc@thread.v2`,
	Args: cobra.NoArgs,
	RunE: runTargetsAdd,
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered targets",
	Args:  cobra.NoArgs,
	RunE:  runTargetsList,
}

var targetsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the target of an app tag",
	Args:  cobra.NoArgs,
	RunE:  runTargetsDelete,
}

// Flags for targets add and delete.
var (
	targetTag      string
	targetChatName string
	targetChatID   string
)

func init() {
	targetsAddCmd.Flags().StringVar(&targetTag, "tag", "", "unique app tag (e.g. 'invoicing-system')")
	targetsAddCmd.Flags().StringVar(&targetChatName, "chat-name", "", "topic of the group chat")
	targetsAddCmd.Flags().StringVar(&targetChatID, "chat-id", "", "chat id, skips the lookup by name")
	_ = targetsAddCmd.MarkFlagRequired("tag")
	_ = targetsAddCmd.MarkFlagRequired("chat-name")

	targetsDeleteCmd.Flags().StringVar(&targetTag, "tag", "", "app tag of the target to delete")
	_ = targetsDeleteCmd.MarkFlagRequired("tag")

	targetsCmd.AddCommand(targetsAddCmd, targetsListCmd, targetsDeleteCmd)
}

func runTargetsAdd(cmd *cobra.Command, _ []string) error {
	client, err := openStore()
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := client.AddTarget(cmd.Context(), models.ChatTarget{
		AppTag:   targetTag,
		ChatName: targetChatName,
		ChatID:   targetChatID,
	})
	if err != nil {
		return fmt.Errorf("failed to add target: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Target added with ID %d.\n", id)
	return nil
}

func runTargetsList(cmd *cobra.Command, _ []string) error {
	client, err := openStore()
	if err != nil {
		return err
	}
	defer client.Close()

	targets, err := client.ListTargets(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(targets) == 0 {
		fmt.Fprintln(out, "No targets found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tAPP TAG\tCHAT NAME\tCHAT ID")
	fmt.Fprintln(w, "--\t-------\t---------\t-------")
	for _, t := range targets {
		chatID := t.ChatID
		if chatID == "" {
			chatID = "(unresolved)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.ID, t.AppTag, t.ChatName, chatID)
	}
	return w.Flush()
}

func runTargetsDelete(cmd *cobra.Command, _ []string) error {
	client, err := openStore()
	if err != nil {
		return err
	}
	defer client.Close()

	rowsAffected, err := client.DeleteTarget(cmd.Context(), targetTag)
	if err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}
	if rowsAffected == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No target with app tag '%s' found.\n", targetTag)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Target '%s' deleted.\n", targetTag)
	return nil
}
