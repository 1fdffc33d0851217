package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/MegaGrindStone/chat-relay/internal/session"
	"github.com/spf13/cobra"
)

var (
	sendThread  string
	sendNew     bool
	sendAttachs []string
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message and print the reply as it arrives",
	Long: `Send a message to the active thread, or to the thread given with --thread,
and print the reply as it arrives.

Example:
  chatcli send "What is a relay?"
  chatcli send --new --attach notes.txt "Summarise this"`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")

		attachments, err := readAttachments(sendAttachs)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p := &printer{out: cmd.OutOrStdout()}
		sess, closeSession, err := openSession(ctx, session.WithObserver(p.observe))
		if err != nil {
			return err
		}
		defer closeSession()

		threadID, err := pickThread(sess)
		if err != nil {
			return err
		}

		gen, err := sess.Send(threadID, text, attachments)
		if err != nil {
			return err
		}
		p.follow(gen.MessageID)

		select {
		case <-gen.Done():
		case <-ctx.Done():
			if err := sess.Stop(threadID); err != nil {
				return err
			}
			<-gen.Done()
		}
		fmt.Fprintln(cmd.OutOrStdout())

		th, err := sess.Thread(threadID)
		if err != nil {
			return err
		}
		msg := th.Messages[th.MessageIndex(gen.MessageID)]
		if msg.State == models.StateFailed {
			return errors.New(msg.Content)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendThread, "thread", "t", "", "thread ID (default: the active thread)")
	sendCmd.Flags().BoolVarP(&sendNew, "new", "n", false, "start a new thread")
	sendCmd.Flags().StringSliceVarP(&sendAttachs, "attach", "a", nil, "files to attach")

	rootCmd.AddCommand(sendCmd)
}

func pickThread(sess *session.Session) (string, error) {
	switch {
	case sendNew:
		return sess.NewThread().ID, nil
	case sendThread != "":
		if err := sess.SetActive(sendThread); err != nil {
			return "", fmt.Errorf("thread %s: %w", sendThread, err)
		}
		return sendThread, nil
	}
	if th, ok := sess.Active(); ok {
		return th.ID, nil
	}
	return sess.NewThread().ID, nil
}

func readAttachments(paths []string) ([]models.Attachment, error) {
	var res []models.Attachment
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
		res = append(res, models.Attachment{
			Name: filepath.Base(path),
			Type: http.DetectContentType(data),
			Size: int64(len(data)),
			Data: base64.StdEncoding.EncodeToString(data),
		})
	}
	return res, nil
}

// printer writes the growth of one message to out. Updates for other messages are ignored.
type printer struct {
	out io.Writer

	mu      sync.Mutex
	id      string
	printed int
	early   []models.Message
}

func (p *printer) follow(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.id = id
	for _, msg := range p.early {
		p.printLocked(msg)
	}
	p.early = nil
}

func (p *printer) observe(u session.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id == "" {
		if u.Message.Role == models.RoleAssistant {
			p.early = append(p.early, u.Message)
		}
		return
	}
	p.printLocked(u.Message)
}

func (p *printer) printLocked(msg models.Message) {
	if msg.ID != p.id || msg.State == models.StateFailed {
		return
	}
	if len(msg.Content) > p.printed {
		fmt.Fprint(p.out, msg.Content[p.printed:])
		p.printed = len(msg.Content)
	}
}
