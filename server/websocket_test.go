package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/questline/questline/events"
	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
)

func (e *testEnv) wsURL(query string) string {
	return strings.Replace(e.ts.URL, "http", "ws", 1) + "/gamification/ws?" + query
}

func (e *testEnv) userToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.tokens.IssueToken(userID, time.Minute)
	require.NoError(t, err)
	return token
}

func dialWS(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		require.NoError(t, resp.Body.Close())
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, within time.Duration) *events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(within)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return &ev
}

func TestSocketRejectsBadHandshakes(t *testing.T) {
	e := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL("userId=alice"), nil)
	require.NotNil(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	_, resp, err = websocket.DefaultDialer.Dial(e.wsURL("userId=alice&token=garbage"), nil)
	require.NotNil(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	// A valid token for the wrong user is refused.
	_, resp, err = websocket.DefaultDialer.Dial(e.wsURL("userId=bob&token="+e.userToken(t, "alice")), nil)
	require.NotNil(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestSocketForwardsOwnEventsOnly(t *testing.T) {
	e := newTestEnv(t)
	conn := dialWS(t, e.wsURL("userId=alice&token="+e.userToken(t, "alice")), nil)

	_, err := e.bus.Emit(context.Background(), "points.awarded", map[string]interface{}{
		"userId": "alice",
		"amount": int64(25),
	})
	require.NoError(t, err)

	ev := readEvent(t, conn, 2*time.Second)
	assert.Equal(t, "points.awarded", ev.Name)
	assert.Equal(t, "alice", ev.UserID())

	// Another user's event must not reach this connection.
	_, err = e.bus.Emit(context.Background(), "points.awarded", map[string]interface{}{
		"userId": "bob",
		"amount": int64(10),
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var other events.Event
	err = conn.ReadJSON(&other)
	require.NotNil(t, err, "expected a read timeout, got event %v", other.Name)
}

func TestSocketFirehoseRequiresAdmin(t *testing.T) {
	e := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL("userId=*&token="+e.userToken(t, "alice")), nil)
	require.NotNil(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	header := http.Header{apiKeyHeader: []string{testAdminKey}}
	conn := dialWS(t, e.wsURL("userId=*&token="+e.userToken(t, "ops")), header)

	for _, user := range []string{"alice", "bob"} {
		_, err := e.bus.Emit(context.Background(), "streak.updated", map[string]interface{}{"userId": user})
		require.NoError(t, err)
	}
	first := readEvent(t, conn, 2*time.Second)
	second := readEvent(t, conn, 2*time.Second)
	assert.Equal(t, "streak.updated", first.Name)
	assert.Equal(t, "streak.updated", second.Name)
	assert.NotEqual(t, first.UserID(), second.UserID())
}

func TestSocketAdminMayWatchAnyUser(t *testing.T) {
	e := newTestEnv(t)
	header := http.Header{apiKeyHeader: []string{testAdminKey}}
	conn := dialWS(t, e.wsURL("userId=bob&token="+e.userToken(t, "ops")), header)

	_, err := e.bus.Emit(context.Background(), "badge.awarded", map[string]interface{}{"userId": "bob"})
	require.NoError(t, err)

	ev := readEvent(t, conn, 2*time.Second)
	assert.Equal(t, "bob", ev.UserID())
}

func TestSocketClosedOnStop(t *testing.T) {
	e := newTestEnv(t)
	conn := dialWS(t, e.wsURL("userId=alice&token="+e.userToken(t, "alice")), nil)
	require.Equal(t, 1, e.srv.hub.clients.Len())

	require.NoError(t, e.srv.Stop())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.NotNil(t, err)
	assert.Equal(t, true, websocket.IsCloseError(err, websocket.CloseGoingAway), "want going-away close, got %v", err)
	assert.Equal(t, 0, e.srv.hub.clients.Len())

	// New upgrade attempts are refused while draining.
	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL("userId=alice&token="+e.userToken(t, "alice")), nil)
	require.NotNil(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestSocketSubscriberDetachesOnDisconnect(t *testing.T) {
	e := newTestEnv(t)
	before := e.bus.ListenerCount("points.awarded")

	conn := dialWS(t, e.wsURL("userId=alice&token="+e.userToken(t, "alice")), nil)
	assert.Equal(t, before+1, e.bus.ListenerCount("points.awarded"))

	require.NoError(t, conn.Close())
	deadline := time.Now().Add(2 * time.Second)
	for e.bus.ListenerCount("points.awarded") != before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, before, e.bus.ListenerCount("points.awarded"))
}
