package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"teams-messenger/internal/models"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Run Microsoft Graph operations as the service account",
}

var graphUserCmd = &cobra.Command{
	Use:   "user <email>",
	Short: "Print the object id of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newGraphClient()
		if err != nil {
			return err
		}
		user, err := client.GetUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", user.ID, user.DisplayName)
		return nil
	},
}

var graphChatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List the chats of the service account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newGraphClient()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "CHAT ID\tTYPE\tTOPIC\tMEMBERS")
		for chat, err := range client.Chats(cmd.Context()) {
			if err != nil {
				_ = w.Flush()
				return err
			}
			names := make([]string, 0, len(chat.Members))
			for _, m := range chat.Members {
				names = append(names, m.DisplayName)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", chat.ID, chat.ChatType, chat.Topic, strings.Join(names, ", "))
		}
		return w.Flush()
	},
}

var graphChatCmd = &cobra.Command{
	Use:   "chat <email>",
	Short: "Find or create the one on one chat with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newGraphClient()
		if err != nil {
			return err
		}
		userID, err := client.GetUserID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		chatID, err := client.GetChatID(cmd.Context(), userID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), chatID)
		return nil
	},
}

var graphGroupCmd = &cobra.Command{
	Use:   "group <name>",
	Short: "Print the id of the group chat with the given topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newGraphClient()
		if err != nil {
			return err
		}
		chatID, err := client.GetChatIDByGroupName(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), chatID)
		return nil
	},
}

var graphSendUserCmd = &cobra.Command{
	Use:   "send-user <email> <html>",
	Short: "Send an HTML message to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newGraphClient()
		if err != nil {
			return err
		}
		if err := client.SendMessageToUser(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Message sent.")
		return nil
	},
}

var graphSendGroupCmd = &cobra.Command{
	Use:   "send-group <chat-id> <html>",
	Short: "Send an HTML message to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newGraphClient()
		if err != nil {
			return err
		}
		if err := client.SendMessageToGroup(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Message sent.")
		return nil
	},
}

var graphSendCardCmd = &cobra.Command{
	Use:   "send-card <email> <card.json>",
	Short: "Send an adaptive card read from a file to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		card, err := readCard(args[1])
		if err != nil {
			return err
		}
		client, err := newGraphClient()
		if err != nil {
			return err
		}
		sent, err := client.SendAdaptiveCardToUser(cmd.Context(), args[0], card)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Card sent as message %s in chat %s.\n", sent.ID, sent.ChatID)
		return nil
	},
}

var graphSendGroupCardCmd = &cobra.Command{
	Use:   "send-group-card <chat-id> <card.json>",
	Short: "Send an adaptive card read from a file to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		card, err := readCard(args[1])
		if err != nil {
			return err
		}
		client, err := newGraphClient()
		if err != nil {
			return err
		}
		sent, err := client.SendAdaptiveCardToGroup(cmd.Context(), args[0], card)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Card sent as message %s.\n", sent.ID)
		return nil
	},
}

func init() {
	graphCmd.AddCommand(
		graphUserCmd,
		graphChatsCmd,
		graphChatCmd,
		graphGroupCmd,
		graphSendUserCmd,
		graphSendGroupCmd,
		graphSendCardCmd,
		graphSendGroupCardCmd,
	)
}

// readCard loads a card document, "-" reads stdin.
func readCard(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read card: %w", err)
	}
	if !models.IsJSONObject(data) {
		return nil, fmt.Errorf("card file %s does not hold a JSON object", path)
	}
	return json.RawMessage(data), nil
}
