package ws

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shallabuf/collabd/internal/auth"
	"github.com/shallabuf/collabd/internal/presence"
	"github.com/shallabuf/collabd/internal/storage"
)

// recordingConnections is a fake ConnectionRecorder: tests only assert on
// the handler/protocol boundary, not on what gets recorded, but the Server
// requires something satisfying the interface.
type recordingConnections struct {
	mu      sync.Mutex
	started int
	ended   int
}

func (r *recordingConnections) RecordConnectionStart(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingConnections) RecordConnectionEnd(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
}

func signTestToken(t *testing.T, secret, userID, appID string) string {
	t.Helper()
	claims := auth.Claims{
		Payload: auth.Payload{AppID: appID},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// newTestServer wires a Server entirely out of in-memory/fake dependencies:
// no Postgres, NATS, or Redis connection required.
func newTestServer(t *testing.T) (*httptest.Server, *recordingProxy, string) {
	t.Helper()
	const secret = "test-secret"

	validator := auth.NewValidator(secret)
	sessions := presence.NewMemorySessionRegistry()
	store := storage.NewMemoryDocumentStore()
	proxy := &recordingProxy{}
	recorder := &recordingMetrics{}
	handler := NewHandler(store, proxy, recorder)
	fanout := NewFanout()
	conns := &recordingConnections{}

	server := NewServer(validator, sessions, handler, fanout, conns)
	srv := httptest.NewServer(server)
	return srv, proxy, secret
}

func dialServer(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return client
}

// TestServerClosesConnectionOnPatchAgainstMissingDocument exercises the
// terminating-error boundary end to end: a Patch against a channel that was
// never Init'd must close the socket, not leave it open for further frames.
func TestServerClosesConnectionOnPatchAgainstMissingDocument(t *testing.T) {
	srv, _, secret := newTestServer(t)
	defer srv.Close()

	token := signTestToken(t, secret, "user1", "app1")
	client := dialServer(t, srv, token)
	defer client.Close()

	// auth_success frame.
	_, _, err := client.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, client.WriteJSON(IncomingMessage{
		Type:      msgTypePatch,
		ChannelID: "never-initialized",
		Delta:     []byte("delta"),
	}))

	// The error frame, then the close.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = client.ReadMessage()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	assert.Error(t, err, "server must close the connection after a Patch against a missing document")
	assert.True(t, websocket.IsCloseError(err) || strings.Contains(err.Error(), "close") || strings.Contains(err.Error(), "EOF"))
}

// TestServerKeepsConnectionOpenAfterSuccessfulPatch is the control case: a
// well-formed Init followed by a Patch against the now-existing document
// must not close the connection.
func TestServerKeepsConnectionOpenAfterSuccessfulPatch(t *testing.T) {
	srv, _, secret := newTestServer(t)
	defer srv.Close()

	token := signTestToken(t, secret, "user1", "app1")
	client := dialServer(t, srv, token)
	defer client.Close()

	_, _, err := client.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, client.WriteJSON(IncomingMessage{
		Type:      msgTypeInit,
		ChannelID: "chan1",
		InitState: []byte(`{}`),
	}))
	msgType, _, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)

	require.NoError(t, client.WriteJSON(IncomingMessage{
		Type:      msgTypePatch,
		ChannelID: "chan1",
		Delta:     []byte("delta"),
	}))

	// No peers to receive the broadcast and no reply frame for a Patch, so
	// assert liveness by sending a ping and getting a pong back rather than
	// a close.
	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	require.NoError(t, client.WriteMessage(websocket.PingMessage, nil))
	client.SetPongHandler(func(string) error { return nil })
	_, _, err = client.ReadMessage()
	assert.True(t, err == nil || websocket.IsUnexpectedCloseError(err) == false)
}

// TestServerClosesConnectionOnProtocolError covers the pre-existing
// protocol-error boundary to make sure it still terminates the connection.
func TestServerClosesConnectionOnProtocolError(t *testing.T) {
	srv, _, secret := newTestServer(t)
	defer srv.Close()

	token := signTestToken(t, secret, "user1", "app1")
	client := dialServer(t, srv, token)
	defer client.Close()

	_, _, err := client.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, client.WriteJSON(IncomingMessage{Type: "not-a-real-type", ChannelID: "chan1"}))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	assert.Error(t, err)
}

func TestServerRejectsConnectionWithInvalidToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	defer srv.Close()

	client := dialServer(t, srv, "not-a-valid-token")
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	require.NoError(t, err, "server sends an error frame before closing")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	assert.Error(t, err)
}
