package obsws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/fightrec/internal/recorder"
)

const (
	testSalt      = "lM1GncleQOaCu9lT1yeUZhFYnqhsLLP1G5lAGo3ixaI="
	testChallenge = "+IxH4CnCiqpX1rM9scsNynZzbOe4KhDeYcTNS3PDaeY="
	testRecording = "/videos/2024-03-02 19-41-07.mkv"
)

// fakeOBS is a scripted obs-websocket server.
type fakeOBS struct {
	t        *testing.T
	password string // empty disables authentication

	mu        sync.Mutex
	recording bool
	replayOff bool
	requests  []string
}

func (f *fakeOBS) serve(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	h := map[string]any{"obsWebSocketVersion": "5.4.2", "rpcVersion": 1}
	if f.password != "" {
		h["authentication"] = map[string]string{"challenge": testChallenge, "salt": testSalt}
	}
	send(conn, opHello, h)

	var env envelope
	if err := conn.ReadJSON(&env); err != nil || env.Op != opIdentify {
		return
	}
	var id identify
	json.Unmarshal(env.D, &id)
	if id.EventSubscriptions&subscribeOutputs == 0 {
		f.t.Errorf("client did not subscribe to output events: %d", id.EventSubscriptions)
	}
	if f.password != "" && id.Authentication != authResponse(f.password, testSalt, testChallenge) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4009, "Authentication failed."))
		return
	}
	send(conn, opIdentified, map[string]int{"negotiatedRpcVersion": 1})

	for {
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		var req request
		json.Unmarshal(env.D, &req)
		f.mu.Lock()
		f.requests = append(f.requests, req.RequestType)
		f.mu.Unlock()
		f.answer(conn, req)
	}
}

func (f *fakeOBS) answer(conn *websocket.Conn, req request) {
	ok := requestStatus{Result: true, Code: codeSuccess}
	resp := requestResponse{RequestType: req.RequestType, RequestID: req.RequestID, RequestStatus: ok}

	f.mu.Lock()
	defer f.mu.Unlock()
	// OBS answers the request first and reports the output state change after.
	var after []recordStateChanged
	switch req.RequestType {
	case "StartRecord":
		if f.recording {
			resp.RequestStatus = requestStatus{Code: codeOutputRunning, Comment: "Output is already running"}
			break
		}
		f.recording = true
		after = append(after, recordStateChanged{OutputActive: true, OutputState: stateStarted, OutputPath: testRecording})
	case "StopRecord":
		f.recording = false
		resp.ResponseData = mustJSON(map[string]string{"outputPath": testRecording})
		after = append(after,
			recordStateChanged{OutputState: "OBS_WEBSOCKET_OUTPUT_STOPPING", OutputPath: testRecording},
			recordStateChanged{OutputState: "OBS_WEBSOCKET_OUTPUT_STOPPED", OutputPath: testRecording},
		)
	case "GetLastReplayBufferReplay":
		resp.ResponseData = mustJSON(map[string]string{"savedReplayPath": "/videos/Replay 2024-03-02 19-41-07.mkv"})
	case "GetReplayBufferStatus":
		resp.ResponseData = mustJSON(map[string]bool{"outputActive": !f.replayOff})
	case "SaveReplayBuffer":
		if f.replayOff {
			resp.RequestStatus = requestStatus{Code: 501, Comment: "Replay buffer is not active."}
		}
	default:
		resp.RequestStatus = requestStatus{Code: 204, Comment: "unknown request type"}
	}
	send(conn, opRequestResponse, resp)
	for _, ev := range after {
		send(conn, opEvent, event{EventType: "RecordStateChanged", EventIntent: subscribeOutputs, EventData: mustJSON(ev)})
	}
}

func send(conn *websocket.Conn, op int, d any) {
	conn.WriteJSON(envelope{Op: op, D: mustJSON(d)})
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func startFake(t *testing.T, password string) (*fakeOBS, Options) {
	t.Helper()
	f := &fakeOBS{t: t, password: password}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return f, Options{Host: host, Port: port, Password: password, Timeout: 2 * time.Second}
}

func TestAuthResponseKnownVector(t *testing.T) {
	// Independently computed for password "supersecretpassword".
	got := authResponse("supersecretpassword", testSalt, testChallenge)
	assert.Equal(t, "1Ct943GAT+6YQUUX47Ia/ncufilbe6+oD6lY+5kaCu4=", got)
}

func TestDialAndRecordCycle(t *testing.T) {
	fake, opts := startFake(t, "hunter2")
	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()

	var mu sync.Mutex
	var paths []string
	c.OnRecordingPath(func(p string) {
		mu.Lock()
		paths = append(paths, p)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, c.StartRecording(ctx))
	require.NoError(t, c.SaveReplayBuffer(ctx))
	require.NoError(t, c.StopRecording(ctx))
	replay, err := c.LastReplayPath(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/videos/Replay 2024-03-02 19-41-07.mkv", replay)

	// Events are handled in order on the read loop, so the stop events sent
	// before the last response have been seen by now.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{testRecording, testRecording}, paths,
		"want the started event and the StopRecord response only")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"StartRecord", "SaveReplayBuffer", "StopRecord", "GetLastReplayBufferReplay"}, fake.requests)
}

func TestStartWhileRecordingIsAlreadyActive(t *testing.T) {
	_, opts := startFake(t, "")
	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.StartRecording(context.Background()))
	err = c.StartRecording(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, recorder.ErrAlreadyActive), "got %v", err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, codeOutputRunning, reqErr.Code)
}

func TestUnknownRequestFails(t *testing.T) {
	_, opts := startFake(t, "")
	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Request(context.Background(), "Nope", nil)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.False(t, errors.Is(err, recorder.ErrAlreadyActive))
}

func TestWrongPasswordRejected(t *testing.T) {
	_, opts := startFake(t, "hunter2")
	opts.Password = "wrong"
	_, err := Dial(context.Background(), opts)
	require.Error(t, err)
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), Options{Host: "127.0.0.1", Port: 1, Timeout: 500 * time.Millisecond})
	require.Error(t, err)
}

func TestRequestAfterServerGone(t *testing.T) {
	_, opts := startFake(t, "")
	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	c.conn.Close()
	<-c.done

	err = c.SaveReplayBuffer(context.Background())
	require.Error(t, err)
}

func TestClientSatisfiesBackend(t *testing.T) {
	var _ recorder.Backend = (*Client)(nil)
}

func TestReplayBufferStatus(t *testing.T) {
	fake, opts := startFake(t, "")
	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.RequireReplayBuffer(context.Background()))

	fake.mu.Lock()
	fake.replayOff = true
	fake.mu.Unlock()
	active, err := c.ReplayBufferActive(context.Background())
	require.NoError(t, err)
	assert.False(t, active)
	assert.ErrorIs(t, c.RequireReplayBuffer(context.Background()), ErrReplayBufferInactive)

	var reqErr *RequestError
	require.ErrorAs(t, c.SaveReplayBuffer(context.Background()), &reqErr)
	assert.Equal(t, 501, reqErr.Code)
}

func TestFailedSaveStopsRecordingOverWire(t *testing.T) {
	fake, opts := startFake(t, "")
	fake.replayOff = true
	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()

	ctrl := recorder.NewController(c, time.Minute)
	_, err = ctrl.Trigger(context.Background())
	require.Error(t, err)
	assert.False(t, ctrl.Active())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.False(t, fake.recording, "recording left running in OBS")
	assert.Equal(t, []string{"StartRecord", "SaveReplayBuffer", "StopRecord"}, fake.requests)
}
