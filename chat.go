package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/xiaot623/chatrelay/internal/protocol"
)

// Client is a terminal client for the relay's socket.
type Client struct {
	conn *websocket.Conn
	out  io.Writer
	done chan struct{}
}

// NewClient connects to addr with token.
func NewClient(addr, token string, out io.Writer) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Wrap(err, "parse address")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			var p protocol.ErrorPayload
			if json.NewDecoder(resp.Body).Decode(&p) == nil && p.Code != "" {
				return nil, errors.Errorf("connection refused (%d): %s - %s", resp.StatusCode, p.Code, p.Message)
			}
		}
		return nil, errors.Wrap(err, "dial")
	}

	return &Client{
		conn: conn,
		out:  out,
		done: make(chan struct{}),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send submits one chat turn.
func (c *Client) Send(text string) error {
	frame, err := protocol.Encode(protocol.EventChatMessage, protocol.ChatMessage{Message: text})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// ReadMessages prints frames until the socket closes.
func (c *Client) ReadMessages() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				fmt.Fprintf(c.out, "\n[disconnected] %v\n", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			fmt.Fprintf(c.out, "\n[unreadable frame] %s\n", data)
			continue
		}
		c.print(env)
	}
}

// Done is closed once the socket stops delivering frames.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) print(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventChunk:
		var p protocol.Chunk
		if json.Unmarshal(env.Data, &p) == nil {
			fmt.Fprint(c.out, p.Data)
		}
	case protocol.EventDone:
		fmt.Fprintln(c.out)
	case protocol.EventSession:
		var p protocol.SessionPayload
		if json.Unmarshal(env.Data, &p) == nil {
			state := "new"
			if p.Resumed {
				state = "resumed"
			}
			fmt.Fprintf(c.out, "[session %s, thread %s]\n", state, p.ThreadID)
		}
	case protocol.EventError:
		var p protocol.ErrorPayload
		if json.Unmarshal(env.Data, &p) == nil {
			fmt.Fprintf(c.out, "\n[error] %s: %s\n", p.Code, p.Message)
		}
	default:
		fmt.Fprintf(c.out, "\n[%s] %s\n", env.Event, env.Data)
	}
}

func newChatCmd() *cobra.Command {
	var addr, token string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal client for a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("CHATRELAY_TOKEN")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connecting to %s...\n", addr)

			client, err := NewClient(addr, token, out)
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Fprintln(out, "Type a message and press Enter to send. /quit to exit.")
			go client.ReadMessages()

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-client.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					input := strings.TrimSpace(line)
					if input == "" {
						continue
					}
					if input == "/quit" {
						fmt.Fprintln(out, "Bye!")
						return nil
					}
					if err := client.Send(input); err != nil {
						return errors.Wrap(err, "send")
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:8090/ws", "WebSocket server address")
	cmd.Flags().StringVar(&token, "token", "", "Session token (defaults to $CHATRELAY_TOKEN)")
	return cmd
}
