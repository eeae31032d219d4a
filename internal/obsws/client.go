// Package obsws is a minimal obs-websocket v5 client that drives OBS Studio
// recording and replay buffer outputs.
package obsws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned for requests issued after the connection dropped.
var ErrClosed = errors.New("obs connection closed")

// ErrReplayBufferInactive means the replay buffer is not started in OBS.
var ErrReplayBufferInactive = errors.New("obs replay buffer is not active; start it in OBS")

// Options configures Dial.
type Options struct {
	Host     string
	Port     int
	Password string
	// Timeout bounds the handshake and every request. Default 10s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client is a connected, identified obs-websocket session.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration
	log     *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan requestResponse
	onPath  func(string)

	done    chan struct{}
	readErr error
}

// Dial connects to OBS and completes the Hello/Identify handshake.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	url := "ws://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.Timeout,
		Subprotocols:     []string{Subprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to obs at %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		timeout: opts.Timeout,
		log:     opts.Logger,
		pending: make(map[string]chan requestResponse),
		done:    make(chan struct{}),
	}
	if err := c.identify(opts.Password); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) identify(password string) error {
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var env envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return fmt.Errorf("reading obs hello: %w", err)
	}
	if env.Op != opHello {
		return fmt.Errorf("expected obs hello, got op %d", env.Op)
	}
	var h hello
	if err := json.Unmarshal(env.D, &h); err != nil {
		return fmt.Errorf("parsing obs hello: %w", err)
	}

	id := identify{RPCVersion: rpcVersion, EventSubscriptions: subscribeOutputs}
	if h.Authentication != nil {
		id.Authentication = authResponse(password, h.Authentication.Salt, h.Authentication.Challenge)
	}
	if err := c.write(opIdentify, id); err != nil {
		return fmt.Errorf("sending obs identify: %w", err)
	}

	if err := c.conn.ReadJSON(&env); err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == 4009 {
			return fmt.Errorf("obs rejected the password")
		}
		return fmt.Errorf("reading obs identified: %w", err)
	}
	if env.Op != opIdentified {
		return fmt.Errorf("expected obs identified, got op %d", env.Op)
	}
	c.log.Debug("connected to obs", "version", h.OBSWebSocketVersion)
	return nil
}

func (c *Client) write(op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteJSON(envelope{Op: op, D: raw})
}

// readLoop routes responses to waiting requests and events to handlers
// until the connection fails.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		switch env.Op {
		case opRequestResponse:
			var resp requestResponse
			if err := json.Unmarshal(env.D, &resp); err != nil {
				c.log.Warn("bad obs response", "err", err)
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[resp.RequestID]
			delete(c.pending, resp.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		case opEvent:
			var ev event
			if err := json.Unmarshal(env.D, &ev); err != nil {
				c.log.Warn("bad obs event", "err", err)
				continue
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Client) handleEvent(ev event) {
	if ev.EventType != "RecordStateChanged" {
		return
	}
	var data recordStateChanged
	if err := json.Unmarshal(ev.EventData, &data); err != nil {
		c.log.Warn("bad RecordStateChanged event", "err", err)
		return
	}
	c.log.Debug("record state changed", "state", data.OutputState, "path", data.OutputPath)
	// The stop path arrives with the StopRecord response; the trailing
	// STOPPING/STOPPED events would repeat it after the session has ended.
	if data.OutputState != stateStarted {
		return
	}
	c.notifyPath(data.OutputPath)
}

func (c *Client) notifyPath(path string) {
	c.mu.Lock()
	fn := c.onPath
	c.mu.Unlock()
	if fn != nil {
		fn(path)
	}
}

// Request sends requestType and waits for its response data.
func (c *Client) Request(ctx context.Context, requestType string, data any) (json.RawMessage, error) {
	id := uuid.New().String()
	ch := make(chan requestResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(opRequest, request{RequestType: requestType, RequestID: id, RequestData: data}); err != nil {
		return nil, fmt.Errorf("sending %s: %w", requestType, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if !resp.RequestStatus.Result {
			return nil, &RequestError{Type: requestType, Code: resp.RequestStatus.Code, Comment: resp.RequestStatus.Comment}
		}
		return resp.ResponseData, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s: no response from obs after %s", requestType, c.timeout)
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", requestType, c.closedErr())
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

// StartRecording starts the record output. It fails with an error matching
// recorder.ErrAlreadyActive when OBS is already recording.
func (c *Client) StartRecording(ctx context.Context) error {
	_, err := c.Request(ctx, "StartRecord", nil)
	return err
}

// SaveReplayBuffer flushes the replay buffer to disk.
func (c *Client) SaveReplayBuffer(ctx context.Context) error {
	_, err := c.Request(ctx, "SaveReplayBuffer", nil)
	return err
}

// StopRecording stops the record output. The finished file path from the
// response is delivered to the recording path handler before returning.
func (c *Client) StopRecording(ctx context.Context) error {
	raw, err := c.Request(ctx, "StopRecord", nil)
	if err != nil {
		return err
	}
	var data struct {
		OutputPath string `json:"outputPath"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing StopRecord response: %w", err)
		}
	}
	c.notifyPath(data.OutputPath)
	return nil
}

// ReplayBufferActive reports whether the replay buffer output is running.
func (c *Client) ReplayBufferActive(ctx context.Context) (bool, error) {
	raw, err := c.Request(ctx, "GetReplayBufferStatus", nil)
	if err != nil {
		return false, err
	}
	var data struct {
		OutputActive bool `json:"outputActive"`
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return false, fmt.Errorf("parsing GetReplayBufferStatus response: %w", err)
	}
	return data.OutputActive, nil
}

// RequireReplayBuffer fails with ErrReplayBufferInactive unless the replay
// buffer is running.
func (c *Client) RequireReplayBuffer(ctx context.Context) error {
	active, err := c.ReplayBufferActive(ctx)
	if err != nil {
		return fmt.Errorf("querying replay buffer: %w", err)
	}
	if !active {
		return ErrReplayBufferInactive
	}
	return nil
}

// LastReplayPath returns the file written by the most recent replay save.
func (c *Client) LastReplayPath(ctx context.Context) (string, error) {
	raw, err := c.Request(ctx, "GetLastReplayBufferReplay", nil)
	if err != nil {
		return "", err
	}
	var data struct {
		SavedReplayPath string `json:"savedReplayPath"`
	}
	if len(raw) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("parsing GetLastReplayBufferReplay response: %w", err)
	}
	return data.SavedReplayPath, nil
}

// OnRecordingPath registers fn for record output paths. fn runs on the
// connection's read goroutine or on the StopRecording caller.
func (c *Client) OnRecordingPath(fn func(string)) {
	c.mu.Lock()
	c.onPath = fn
	c.mu.Unlock()
}

// Close ends the session and waits for the read loop to exit.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
