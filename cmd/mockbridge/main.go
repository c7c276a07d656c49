// Command mockbridge is a protocol peer for manual testing: it dials a
// control plane's /bridge endpoint, registers as an agent, answers
// heartbeats, and replies to every dispatch with a scripted progress
// and response sequence. Useful as executable documentation of the
// bridge protocol and as the far end for exercising the dispatch API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmux/agentmux/pkg/bridge"
)

type options struct {
	server    string
	agentID   string
	token     string
	name      string
	workdir   string
	reply     string
	delay     time.Duration
	progress  int
	heartbeat time.Duration
}

func main() {
	opts := options{}
	flag.StringVar(&opts.server, "server", "ws://localhost:8080", "control plane base URL (ws:// or wss://)")
	flag.StringVar(&opts.agentID, "agent", "mock-1", "agent id to register as")
	flag.StringVar(&opts.token, "token", "", "bearer token for the register handshake")
	flag.StringVar(&opts.name, "name", "Mock Bridge", "display name")
	flag.StringVar(&opts.workdir, "workdir", "/tmp/mockbridge", "workdir to report")
	flag.StringVar(&opts.reply, "reply", "done: %s", "response template; %s is replaced with the dispatch content")
	flag.DurationVar(&opts.delay, "delay", 2*time.Second, "delay before the final response")
	flag.IntVar(&opts.progress, "progress", 2, "progress frames to send before the response")
	flag.DurationVar(&opts.heartbeat, "heartbeat", 15*time.Second, "heartbeat interval")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "mockbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	url := opts.server + "/bridge"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	c := &client{conn: conn, opts: opts}

	if err := c.register(); err != nil {
		return err
	}
	fmt.Printf("registered as %q (session %s)\n", opts.agentID, c.sessionID)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- c.readLoop() }()
	go c.heartbeatLoop()

	select {
	case err := <-done:
		return err
	case <-stop:
		fmt.Println("closing")
		c.writeControl(websocket.CloseNormalClosure, "client shutdown")
		return nil
	}
}

// client serializes socket writes; gorilla allows one writer at a time
// and the heartbeat ticker races the dispatch responders.
type client struct {
	conn      *websocket.Conn
	opts      options
	sessionID string

	mu sync.Mutex
}

func (c *client) write(v interface{}) error {
	data, err := bridge.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) writeControl(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *client) register() error {
	frame := bridge.NewRegisterFrame(c.opts.agentID, c.opts.token, []string{"code", "mock"}, c.opts.workdir)
	frame.DisplayName = c.opts.name
	if err := c.write(frame); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await registered: %w", err)
	}
	ft, err := bridge.PeekType(data)
	if err != nil {
		return err
	}
	if ft != bridge.FrameRegistered {
		return fmt.Errorf("expected registered frame, got %q", ft)
	}
	var reg bridge.RegisteredFrame
	if err := bridge.Decode(data, &reg); err != nil {
		return err
	}
	c.sessionID = reg.SessionID
	c.conn.SetReadDeadline(time.Time{})
	return nil
}

func (c *client) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.heartbeat)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.write(bridge.NewHeartbeatFrame()); err != nil {
			return
		}
	}
}

func (c *client) readLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				return fmt.Errorf("server closed connection: %d %s", closeErr.Code, closeErr.Text)
			}
			return err
		}

		ft, err := bridge.PeekType(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unreadable frame: %v\n", err)
			continue
		}

		switch ft {
		case bridge.FrameDispatch:
			var df bridge.DispatchFrame
			if err := bridge.Decode(data, &df); err != nil {
				fmt.Fprintf(os.Stderr, "bad dispatch frame: %v\n", err)
				continue
			}
			if df.IsFollowup {
				fmt.Printf("followup %s: %q\n", df.MessageID, df.Content)
				go c.acknowledgeFollowup(df)
			} else {
				fmt.Printf("dispatch %s: %q\n", df.MessageID, df.Content)
				go c.respond(df)
			}
		case bridge.FrameError:
			var ef bridge.ErrorFrame
			if err := bridge.Decode(data, &ef); err == nil {
				fmt.Fprintf(os.Stderr, "server error: %s %s\n", ef.Code, ef.Message)
			}
		case bridge.FrameClose:
			fmt.Println("server announced close")
		default:
			fmt.Fprintf(os.Stderr, "unexpected frame type %q\n", ft)
		}
	}
}

// respond plays the scripted sequence for one task: evenly spaced
// progress frames across the configured delay, then the final response
// with a rough token count.
func (c *client) respond(df bridge.DispatchFrame) {
	step := c.opts.delay
	if c.opts.progress > 0 {
		step = c.opts.delay / time.Duration(c.opts.progress+1)
	}

	for i := 0; i < c.opts.progress; i++ {
		time.Sleep(step)
		content := fmt.Sprintf("step %d/%d", i+1, c.opts.progress)
		if err := c.write(bridge.NewProgressFrame(df.MessageID, content)); err != nil {
			return
		}
	}
	time.Sleep(step)

	reply := fmt.Sprintf(c.opts.reply, df.Content)
	usage := &bridge.Usage{
		PromptTokens:     estimateTokens(df.Content),
		CompletionTokens: estimateTokens(reply),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	if err := c.write(bridge.NewResponseFrame(df.MessageID, reply, usage, "")); err != nil {
		fmt.Fprintf(os.Stderr, "send response: %v\n", err)
		return
	}
	fmt.Printf("answered %s (%d tokens)\n", df.MessageID, usage.TotalTokens)
}

func (c *client) acknowledgeFollowup(df bridge.DispatchFrame) {
	content := fmt.Sprintf("noted: %s", df.Content)
	if err := c.write(bridge.NewProgressFrame(df.MessageID, content)); err != nil {
		fmt.Fprintf(os.Stderr, "send followup ack: %v\n", err)
	}
}

// estimateTokens approximates tokens the same way the server prices
// content, four characters per token.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}
