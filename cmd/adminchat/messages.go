package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Prismer-AI/adminchat"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// pull
	pullSince bool
	pullJSON  bool

	// conversations
	conversationsJSON bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// send
	sendFile string
	sendJSON bool
)

// ============================================================================
// Loading
// ============================================================================

// loadStore fills the session store: a full refresh when polling, or the
// configured snapshot file otherwise.
func loadStore(ctx context.Context, sess *adminchat.Session) error {
	cfg := sess.Config()
	if cfg.Polling() {
		return sess.Start(ctx)
	}
	if cfg.Source.SnapshotFile == "" {
		return fmt.Errorf("%w: no snapshot file configured (run 'adminchat import <file>')", adminchat.ErrSnapshotMode)
	}
	f, err := os.Open(cfg.Source.SnapshotFile)
	if err != nil {
		return fmt.Errorf("cannot open snapshot: %w", err)
	}
	defer f.Close()
	_, err = sess.Import(f, cfg.Source.SnapshotFile)
	return err
}

type messageView struct {
	Row      adminchat.Row           `json:"row"`
	Delivery adminchat.DeliveryState `json:"delivery,omitempty"`
	LocalID  string                  `json:"local_id,omitempty"`
}

func viewOf(m adminchat.Message) messageView {
	return messageView{Row: m.Row, Delivery: m.Delivery, LocalID: m.LocalID}
}

// ============================================================================
// pull
// ============================================================================

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch rows from the chat API and print a sync report",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, logger, err := openSession()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		rep, err := sess.Refresh(ctx)
		if err != nil {
			return err
		}
		if pullSince {
			if rep, err = sess.RefreshIncremental(ctx); err != nil {
				return err
			}
		}

		if pullJSON {
			return printJSON(rep)
		}
		fmt.Printf("Fetched %d rows (%d inserted, %d duplicates)\n", rep.Fetched, rep.Stats.Inserted, rep.Stats.Duplicates)
		fmt.Printf("Store:  %d messages in %d conversations\n", sess.Store().Len(), len(sess.Conversations()))
		fmt.Printf("Cursor: %s\n", valueOrDefault(rep.Cursor, "(none)"))
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, logger, err := openSession()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := loadStore(ctx, sess); err != nil {
			return err
		}

		convs := sess.Conversations()

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		fmt.Printf("%-4s %-24s %6s %6s  %s\n", "", "CONVERSATION", "MSGS", "UNREAD", "LAST")
		for _, c := range convs {
			last := "-"
			if !c.LastAt.IsZero() {
				last = c.LastAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("%-4s %-24s %6d %6d  %s\n", adminchat.Initials(c.ID), adminchat.FormatConversationID(c.ID), c.Count, c.Unread, last)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print one conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, logger, err := openSession()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := loadStore(ctx, sess); err != nil {
			return err
		}

		sess.SelectConversation(args[0])
		msgs := sess.Messages()
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		if messagesJSON {
			views := make([]messageView, 0, len(msgs))
			for _, m := range msgs {
				views = append(views, viewOf(m))
			}
			return printJSON(views)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m adminchat.Message) {
	who := m.Sender()
	if m.IsAdmin() {
		who = valueOrDefault(m.AuthorLabel(), adminchat.DefaultAuthorLabel)
	}
	stamp := m.CreatedAt()
	if t := m.Time(); !t.IsZero() {
		stamp = t.Local().Format("2006-01-02 15:04:05")
	}
	fmt.Printf("[%s] %s: %s\n", stamp, who, m.Body())
	if m.Attachment() != "" {
		fmt.Println("    (attachment)")
	}
	if m.Delivery == adminchat.DeliveryPending || m.Delivery == adminchat.DeliveryFailed {
		fmt.Printf("    (%s)\n", m.Delivery)
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send an operator reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, body := args[0], strings.TrimSpace(args[1])
		if body == "" && sendFile == "" {
			return fmt.Errorf("message is empty")
		}

		var attachment *string
		if sendFile != "" {
			data, err := os.ReadFile(sendFile)
			if err != nil {
				return fmt.Errorf("cannot read attachment: %w", err)
			}
			enc := adminchat.EncodeAttachment(filepath.Base(sendFile), data)
			attachment = &enc
		}

		sess, logger, err := openSession(adminchat.WithSendGrace(0))
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess.SelectConversation(convID)
		out, err := sess.Send(ctx, body, attachment)
		if out != nil && sendJSON {
			if jerr := printJSON(out); jerr != nil {
				return jerr
			}
		}
		if err != nil {
			return err
		}
		if !sendJSON {
			fmt.Printf("Message %s to %s: %s\n", out.LocalID, adminchat.FormatConversationID(convID), out.Delivery)
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	pullCmd.Flags().BoolVar(&pullSince, "incremental", false, "Follow the full refresh with an incremental one")
	pullCmd.Flags().BoolVar(&pullJSON, "json", false, "Output JSON")

	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last n messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVar(&sendFile, "file", "", "Attach a file")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}
