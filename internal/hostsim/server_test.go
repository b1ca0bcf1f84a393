package hostsim

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeeves/ui/internal/channel"
	"github.com/jeeves/ui/internal/hoststate"
)

const basePath = "/jeeves:jeeves:template.os/"

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s := New(basePath, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return s, ts
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + basePath
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), header)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestState_GET(t *testing.T) {
	st := hoststate.Empty()
	st.Guilds["g1"] = hoststate.Guild{ID: "g1", LLM: "gpt-4", ResponseSchema: hoststate.ResponseSchema{Kind: hoststate.SchemaPinged}}
	_, ts := newTestServer(t, WithState(st))

	got, err := hoststate.Fetch(context.Background(), ts.Client(), ts.URL+basePath)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", got.Guilds["g1"].LLM)
}

func TestState_MethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+basePath, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUnknownPathIsNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + basePath + "elsewhere")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_GreetingAndBroadcast(t *testing.T) {
	s, ts := newTestServer(t, WithGreeting(`{"Hello":{}}`))

	header := http.Header{}
	header.Set(channel.HeaderNodeID, "our.os")
	header.Set(channel.HeaderProcessID, "jeeves:jeeves:template.os/")
	conn := dial(t, ts, header)
	defer conn.Close()

	assert.Equal(t, `{"Hello":{}}`, readFrame(t, conn))

	waitFor(t, func() bool { return s.ClientCount() == 1 })
	info := s.Clients()[0]
	assert.Equal(t, "our.os", info.Node)
	assert.Equal(t, "jeeves:jeeves:template.os/", info.Process)
	assert.NotEmpty(t, info.ID)

	require.NoError(t, s.Broadcast(map[string]any{"Pinged": nil}))
	assert.JSONEq(t, `{"Pinged":null}`, readFrame(t, conn))

	s.BroadcastRaw([]byte("not json"))
	assert.Equal(t, "not json", readFrame(t, conn))
}

func TestWebSocket_GreetingLargerThanSendBuffer(t *testing.T) {
	frames := make([]string, channelBufferSize+44)
	for i := range frames {
		frames[i] = `{"Seq":` + strconv.Itoa(i) + `}`
	}
	s, ts := newTestServer(t, WithGreeting(frames...))

	conn := dial(t, ts, nil)
	defer conn.Close()

	for i, want := range frames {
		require.Equal(t, want, readFrame(t, conn), "frame %d", i)
	}

	// The server lock must be free once the greeting drains.
	resp, err := http.Get(ts.URL + basePath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, s.ClientCount())
}

func TestWebSocket_RecordsReceived(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts, nil)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"JoinGuild":"g1"}`)))

	waitFor(t, func() bool { return len(s.Received()) == 1 })
	var msg map[string]string
	require.NoError(t, json.Unmarshal(s.Received()[0], &msg))
	assert.Equal(t, "g1", msg["JoinGuild"])
}

func TestWebSocket_RequireIdentity(t *testing.T) {
	_, ts := newTestServer(t, WithRequireIdentity())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDropClients(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts, nil)
	defer conn.Close()
	waitFor(t, func() bool { return s.ClientCount() == 1 })

	s.DropClients()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	waitFor(t, func() bool { return s.ClientCount() == 0 })
}

func TestStop_SendsCloseFrame(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts, nil)
	defer conn.Close()
	waitFor(t, func() bool { return s.ClientCount() == 1 })

	s.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	// Broadcasting after Stop is a no-op.
	s.BroadcastRaw([]byte("{}"))
	s.Stop()
}

func TestListenAndServe(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(basePath)
	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan net.Addr, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx, "127.0.0.1:0", func(a net.Addr) { addrCh <- a }) }()

	addr := <-addrCh
	resp, err := http.Get("http://" + addr.String() + basePath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
	http.DefaultClient.CloseIdleConnections()
}
