package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/soyeahso/parley/internal/call"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/session"
	"github.com/soyeahso/parley/internal/store"
	"github.com/soyeahso/parley/internal/transport"
	"github.com/spf13/cobra"
)

const chatHelp = `Type a line to send it. Commands:
  /call audio|video   ring the peer
  /accept             answer an incoming ring
  /dismiss            decline a ring or hang up
  /hangup             end the call
  /seen               mark received messages seen
  /resend <id>        retry a failed message
  /history [n]        show the last n messages
  /peers              list online peers
  /quit               leave`

func newChatCmd() *cobra.Command {
	var (
		as       string
		relayURL string
		backlog  int
	)

	cmd := &cobra.Command{
		Use:   "chat <peer>",
		Short: "Chat and call with a peer through the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if as != "" {
				cfg.Identity.PeerID = as
			}
			if relayURL != "" {
				cfg.Relay.URL = relayURL
			}
			if err := validate(&cfg); err != nil {
				return err
			}
			if cfg.Chat.HistoryStore == "sqlite" {
				if err := paths.EnsureDirs(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := session.New(session.Options{Config: cfg, Paths: paths}, log)
			if err != nil {
				return err
			}
			defer client.Close()

			out := &console{w: cmd.OutOrStdout()}
			client.OnStatus(func(event string, p transport.StatusPayload) {
				if p.Error != "" {
					out.printf("* relay %s: %s", event, p.Error)
				}
			})
			client.OnConversation(func(f *session.Facade) {
				peer := f.Peer()
				f.OnEvent(func(e session.Event) {
					if line := describe(peer, e); line != "" {
						out.printf("%s", line)
					}
				})
			})

			if err := client.Open(ctx); err != nil {
				return fmt.Errorf("connecting to %s: %w", cfg.Relay.URL, err)
			}
			conv, err := client.Conversation(domain.PeerID(args[0]))
			if err != nil {
				return err
			}

			out.printf("Connected as %s. Chatting with %s. /help lists commands.", client.Self(), conv.Peer())
			if err := printHistory(out, conv, backlog); err != nil {
				return err
			}

			return readLoop(ctx, cmd.InOrStdin(), out, client, conv)
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "override identity.peerId")
	cmd.Flags().StringVar(&relayURL, "relay", "", "override relay.url")
	cmd.Flags().IntVar(&backlog, "history", 20, "messages of history to show on start")
	return cmd
}

// console serializes output from the input loop and event handlers.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format+"\n", args...)
}

func readLoop(ctx context.Context, in io.Reader, out *console, client *session.Client, conv *session.Facade) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runLine(ctx, out, client, conv, line)
			if err != nil {
				out.printf("! %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// runLine executes one line of input. It reports whether the user asked to quit.
func runLine(ctx context.Context, out *console, client *session.Client, conv *session.Facade, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := conv.Send(ctx, line, nil)
		return false, err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		out.printf("%s", chatHelp)
	case "/call":
		kind := domain.CallVideo
		if len(fields) > 1 {
			kind = domain.CallKind(fields[1])
		}
		return false, conv.StartCall(ctx, kind)
	case "/accept":
		return false, conv.AcceptCall(ctx)
	case "/dismiss":
		return false, conv.Dismiss(ctx)
	case "/hangup":
		return false, conv.Hangup(ctx)
	case "/seen":
		n, err := conv.MarkSeen()
		if err == nil {
			out.printf("* marked %d message(s) seen", n)
		}
		return false, err
	case "/resend":
		if len(fields) < 2 {
			return false, errors.New("usage: /resend <messageId>")
		}
		_, err := conv.Resend(ctx, fields[1])
		return false, err
	case "/history":
		n := 0
		if len(fields) > 1 {
			v, err := strconv.Atoi(fields[1])
			if err != nil {
				return false, fmt.Errorf("history: %w", err)
			}
			n = v
		}
		return false, printHistory(out, conv, n)
	case "/peers":
		out.printf("* online: %s", joinPeers(client.Peers()))
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return false, nil
}

func printHistory(out *console, conv *session.Facade, limit int) error {
	entries, err := conv.History(limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		out.printf("%s", formatEntry(e))
	}
	return nil
}

func formatEntry(e store.Entry) string {
	status := string(e.Status)
	if e.Failed {
		status = "failed " + e.MessageID
	}
	return fmt.Sprintf("[%s] %s: %s (%s)", e.Timestamp.Local().Format("15:04"), e.From, e.Text, status)
}

// describe renders an event as one console line. Events not worth showing
// render as "".
func describe(peer domain.PeerID, e session.Event) string {
	switch ev := e.(type) {
	case session.MessageReceived:
		return formatEntry(ev.Message)
	case session.MessageUpdated:
		if ev.Message.Failed {
			return fmt.Sprintf("! not delivered: %q (/resend %s)", ev.Message.Text, ev.Message.MessageID)
		}
	case session.Receipt:
		if ev.Receipt.Status == domain.StatusSeen {
			return fmt.Sprintf("* %s has seen your messages", peer)
		}
	case session.Typing:
		if ev.IsTyping {
			return fmt.Sprintf("* %s is typing", peer)
		}
	case session.Presence:
		if ev.Online {
			return fmt.Sprintf("* %s is online", peer)
		}
		return fmt.Sprintf("* %s went offline", peer)
	case session.Call:
		return describeCall(peer, ev.Event)
	}
	return ""
}

func describeCall(peer domain.PeerID, e call.Event) string {
	switch ev := e.(type) {
	case call.IncomingRing:
		return fmt.Sprintf("* %s is calling (%s). /accept or /dismiss", peer, ev.Kind)
	case call.StateChanged:
		switch ev.To {
		case call.OutgoingRinging:
			return fmt.Sprintf("* ringing %s", peer)
		case call.Connected:
			return fmt.Sprintf("* call with %s connected", peer)
		}
	case call.RemoteTrackAdded:
		return fmt.Sprintf("* receiving %s from %s (%s)", ev.Track.Kind, peer, ev.Track.Codec)
	case call.CallEnded:
		who := "you"
		if ev.Remote {
			who = string(peer)
		}
		return fmt.Sprintf("* call ended by %s (%s)", who, ev.Reason)
	case call.CallError:
		return fmt.Sprintf("! call failed: %v", ev.Err)
	}
	return ""
}

func joinPeers(peers []domain.PeerID) string {
	if len(peers) == 0 {
		return "(nobody)"
	}
	s := make([]string, len(peers))
	for i, p := range peers {
		s[i] = string(p)
	}
	return strings.Join(s, ", ")
}
