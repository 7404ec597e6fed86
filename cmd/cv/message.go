package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zulandar/converge/internal/client"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Send and list session messages",
	}

	cmd.AddCommand(newMessageSendCmd())
	cmd.AddCommand(newMessageListCmd())
	return cmd
}

func newMessageSendCmd() *cobra.Command {
	var (
		server      string
		participant string
	)

	cmd := &cobra.Command{
		Use:   "send <session> <content>",
		Short: "Send a message to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMessageSend(cmd, server, args[0], args[1], participant)
		},
	}

	addServerFlag(cmd, &server)
	cmd.Flags().StringVar(&participant, "as", "", "participant ID to send as (required)")
	cmd.MarkFlagRequired("as")
	return cmd
}

func runMessageSend(cmd *cobra.Command, server, sessionID, content, participant string) error {
	remote, err := newRemote(server)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	msg, err := remote.AppendMessage(ctx, sessionID, client.Draft{
		UID:      uuid.NewString(),
		SenderID: participant,
		Content:  content,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Message #%d sent to session %s\n", msg.ID, sessionID)
	return nil
}

func newMessageListCmd() *cobra.Command {
	var (
		server string
		cursor uint
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list <session>",
		Short: "List messages in a session",
		Long:  "Lists messages in send order. Use --cursor to page past a message sequence number.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMessageList(cmd, server, args[0], cursor, limit)
		},
	}

	addServerFlag(cmd, &server)
	cmd.Flags().UintVar(&cursor, "cursor", 0, "only show messages after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages to show")
	return cmd
}

func runMessageList(cmd *cobra.Command, server, sessionID string, cursor uint, limit int) error {
	out := cmd.OutOrStdout()
	remote, err := newRemote(server)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	msgs, err := remote.Messages(ctx, sessionID, cursor, limit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintf(out, "No messages in session %s.\n", sessionID)
		return nil
	}
	width := terminalWidth(out, 200)
	for _, m := range msgs {
		printMessage(out, m, width)
	}
	if len(msgs) == limit {
		fmt.Fprintf(out, "\nMore messages may follow: --cursor %d\n", msgs[len(msgs)-1].ID)
	}
	return nil
}
