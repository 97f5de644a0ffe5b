// ABOUTME: Terminal client for huddle-gateway conversations over websocket
// ABOUTME: Joins one conversation, prints incoming envelopes and sends typed lines as messages

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/huddle-gateway/internal/auth"
	"github.com/2389/huddle-gateway/internal/protocol"
	"github.com/2389/huddle-gateway/internal/store"
)

func main() {
	server := flag.String("server", getEnv("HUDDLE_GATEWAY_URL", "http://localhost:8080"), "Gateway server URL")
	conversation := flag.String("conversation", "lobby", "Conversation to join")
	participantID := flag.String("id", getEnv("USER", "guest"), "Participant id (ignored when HUDDLE_TOKEN is set)")
	name := flag.String("name", "", "Display name (ignored when HUDDLE_TOKEN is set)")
	requireAck := flag.Bool("ack", false, "Wait for assistant acknowledgments on each message")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := connect(ctx, *server, *participantID, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer c.CloseNow()

	fmt.Printf("huddle-chat connected to %s\n", *server)
	fmt.Println("Type a message and press Enter. /quit to leave.")
	fmt.Println()

	if err := run(ctx, c, *conversation, *requireAck); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// connect dials the gateway's websocket endpoint. A HUDDLE_TOKEN is sent as a
// bearer token; otherwise the id and name go out as trusted headers.
func connect(ctx context.Context, server, participantID, name string) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimSuffix(server, "/") + "/ws")
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}

	header := http.Header{}
	if token := os.Getenv("HUDDLE_TOKEN"); token != "" {
		header.Set("Authorization", "Bearer "+token)
	} else {
		header.Set(auth.HeaderParticipantID, participantID)
		if name != "" {
			header.Set(auth.HeaderParticipantName, name)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", u, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return c, nil
}

func run(ctx context.Context, c *websocket.Conn, conversationID string, requireAck bool) error {
	if err := wsjson.Write(ctx, c, protocol.Inbound{Type: protocol.InboundJoin, ConversationID: conversationID}); err != nil {
		return fmt.Errorf("joining %s: %w", conversationID, err)
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- readLoop(ctx, c)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return c.Close(websocket.StatusNormalClosure, "bye")
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return c.Close(websocket.StatusNormalClosure, "bye")
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				return c.Close(websocket.StatusNormalClosure, "bye")
			}
			msg := protocol.Inbound{
				Type:           protocol.InboundMessage,
				ConversationID: conversationID,
				Content:        line,
				MessageID:      uuid.NewString(),
				RequireAck:     requireAck,
			}
			if err := wsjson.Write(ctx, c, msg); err != nil {
				return fmt.Errorf("sending: %w", err)
			}
		}
	}
}

func readLoop(ctx context.Context, c *websocket.Conn) error {
	for {
		var out protocol.Outbound
		if err := wsjson.Read(ctx, c, &out); err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
				return nil
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				return fmt.Errorf("closed by gateway")
			}
			return err
		}
		render(os.Stdout, &out)
	}
}

var (
	dim    = color.New(color.FgHiBlack)
	sender = color.New(color.FgCyan, color.Bold)
	bot    = color.New(color.FgMagenta, color.Bold)
	warn   = color.New(color.FgYellow)
	bad    = color.New(color.FgRed)
)

func render(w io.Writer, out *protocol.Outbound) {
	switch out.Type {
	case protocol.OutboundConnected:
		dim.Fprintf(w, "joined %s as %s (%s mode)\n", out.ConversationID, out.ParticipantID, out.Mode)
	case protocol.OutboundHistory:
		for _, m := range out.Messages {
			dim.Fprintf(w, "%s ", m.Timestamp.Local().Format("15:04"))
			fmt.Fprintf(w, "%s: %s\n", m.SenderName, m.Content)
		}
	case protocol.OutboundMessage:
		if out.Message == nil {
			return
		}
		c := sender
		if out.Message.Type != store.MessageTypeText {
			c = bot
		}
		c.Fprintf(w, "%s", out.Message.SenderName)
		fmt.Fprintf(w, ": %s\n", out.Message.Content)
	case protocol.OutboundMessageAck:
		if len(out.AckedBy) > 0 {
			dim.Fprintf(w, "  ✓ #%d seen by %s\n", out.SequenceID, strings.Join(out.AckedBy, ", "))
		} else {
			dim.Fprintf(w, "  ✓ #%d\n", out.SequenceID)
		}
	case protocol.OutboundParticipantUpdate:
		dim.Fprintf(w, "* %s %s (%d present)\n", out.ParticipantID, out.Event, out.ParticipantCount)
	case protocol.OutboundModeChange:
		warn.Fprintf(w, "* conversation is now %s mode\n", out.Mode)
	case protocol.OutboundError:
		if out.Error != nil {
			bad.Fprintf(w, "! %s: %s\n", out.Error.Kind, out.Error.Message)
		}
	}
}
