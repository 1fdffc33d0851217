package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List the local threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sess, closeSession, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer closeSession()

		active, _ := sess.Active()
		printThreads(cmd.OutOrStdout(), sess.Threads(), active.ID)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show [thread-id]",
	Short: "Print the messages of a thread",
	Long: `Print the messages of a thread. Without an ID the active thread is shown,
and a given thread becomes the active one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, closeSession, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer closeSession()

		var th models.Thread
		if len(args) == 1 {
			if err := sess.SetActive(args[0]); err != nil {
				return fmt.Errorf("thread %s: %w", args[0], err)
			}
			th, err = sess.Thread(args[0])
			if err != nil {
				return err
			}
		} else {
			var ok bool
			if th, ok = sess.Active(); !ok {
				return fmt.Errorf("no active thread")
			}
		}

		printThread(cmd.OutOrStdout(), th)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <thread-id>",
	Short: "Delete a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, closeSession, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer closeSession()

		if err := sess.DeleteThread(args[0]); err != nil {
			return fmt.Errorf("thread %s: %w", args[0], err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
}

func printThreads(w io.Writer, threads []models.Thread, activeID string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tTITLE\tMESSAGES\tCREATED")
	for _, th := range threads {
		marker := ""
		if th.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			marker, th.ID, th.Title, len(th.Messages), th.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

func printThread(w io.Writer, th models.Thread) {
	fmt.Fprintf(w, "# %s\n", th.Title)
	for _, msg := range th.Messages {
		label := string(msg.Role)
		if msg.State != models.StateComplete {
			label += " (" + string(msg.State) + ")"
		}
		fmt.Fprintf(w, "\n[%s] %s\n%s\n", msg.Timestamp.Format("15:04:05"), label, msg.Content)
	}
}
