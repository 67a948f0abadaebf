package realtime

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/mechanic-dispatch/internal/auth"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/presence"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, h *harness) (*httptest.Server, *PollTransport) {
	t.Helper()
	v := auth.NewVerifier(testSecret)
	r := mux.NewRouter()
	r.Handle("/realtime/ws", NewWSTransport(h.manager, v, WSConfig{PongWait: 5 * time.Second}, nil))
	poll := NewPollTransport(h.manager, v, PollConfig{Wait: 300 * time.Millisecond, SessionTTL: time.Minute}, nil)
	poll.Register(r.PathPrefix("/realtime/poll").Subrouter())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, poll
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/ws" + query
	c, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendFrame(t *testing.T, c *websocket.Conn, event string, payload any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(env(t, event, payload)))
}

func readFrame(t *testing.T, c *websocket.Conn, wait time.Duration) (models.Envelope, error) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(wait))
	var e models.Envelope
	err := c.ReadJSON(&e)
	return e, err
}

func waitMembers(t *testing.T, h *harness, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.hub.Registry().MembersOf(room)) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketTrackingScenario(t *testing.T) {
	h := newHarness(t)
	srv, _ := newTestServer(t, h)

	tracker := dial(t, srv, "")
	other := dial(t, srv, "")
	mech := dial(t, srv, "")

	sendFrame(t, tracker, models.EventJoinTrackingRoom, "123")
	sendFrame(t, other, models.EventJoinTrackingRoom, "456")
	waitMembers(t, h, presence.TrackingRoom("123"), 1)
	waitMembers(t, h, presence.TrackingRoom("456"), 1)

	// out of range: only the sender hears about it
	sendFrame(t, mech, models.EventUpdateLocation, locationPayload(95.0, 0.0))
	e, err := readFrame(t, mech, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, models.EventError, e.Event)
	require.Equal(t, "Invalid latitude. Must be between -90 and 90", errorMessage(t, e))

	sendFrame(t, mech, models.EventUpdateLocation, locationPayload(40.7128, -74.006))
	e, err = readFrame(t, tracker, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, models.EventLocationUpdate, e.Event)
	var update models.LocationUpdate
	require.NoError(t, json.Unmarshal(e.Data, &update))
	require.Equal(t, 40.7128, update.Location.Lat)
	require.GreaterOrEqual(t, update.Timestamp, h.clock.Now().UnixMilli())

	_, err = readFrame(t, tracker, 150*time.Millisecond)
	var ne net.Error
	require.ErrorAs(t, err, &ne, "exactly one location-update expected")
	require.True(t, ne.Timeout())

	_, err = readFrame(t, other, 150*time.Millisecond)
	require.Error(t, err, "tracking-456 must not see updates for request 123")
}

func TestWebsocketDisconnectRemovesMemberships(t *testing.T) {
	h := newHarness(t)
	srv, _ := newTestServer(t, h)

	c := dial(t, srv, "")
	sendFrame(t, c, models.EventJoinMechanicRoom, nil)
	sendFrame(t, c, models.EventJoinTrackingRoom, "77")
	waitMembers(t, h, presence.MechanicsRoom, 1)
	waitMembers(t, h, presence.TrackingRoom("77"), 1)

	require.NoError(t, c.Close())
	waitMembers(t, h, presence.MechanicsRoom, 0)
	waitMembers(t, h, presence.TrackingRoom("77"), 0)
	require.Eventually(t, func() bool { return h.hub.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	h := newHarness(t)
	srv, _ := newTestServer(t, h)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketMalformedFrame(t *testing.T) {
	h := newHarness(t)
	srv, _ := newTestServer(t, h)
	tok, err := auth.NewVerifier(testSecret).Issue("M1", auth.RoleMechanic, time.Hour)
	require.NoError(t, err)
	c := dial(t, srv, "?token="+tok)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	e, err := readFrame(t, c, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, models.EventError, e.Event)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/realtime/ws", nil)
	require.True(t, check(req))

	req.Header.Set("Origin", "https://app.example.com")
	require.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.net")
	require.False(t, check(req))
	req.Header.Set("Origin", "http://api.example.com")
	require.True(t, check(req))

	require.True(t, originChecker([]string{"*"})(req))
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func openPoll(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, srv.URL+"/realtime/poll", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out openResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.SID)
	return out.SID
}

func pollFrames(t *testing.T, srv *httptest.Server, sid string) (int, []models.Envelope) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/realtime/poll/" + sid)
	require.NoError(t, err)
	defer resp.Body.Close()
	var frames []models.Envelope
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&frames))
	}
	return resp.StatusCode, frames
}

func TestPollingTransportRelaysAcrossTransports(t *testing.T) {
	h := newHarness(t)
	srv, poll := newTestServer(t, h)

	sid := openPoll(t, srv)
	resp := postJSON(t, srv.URL+"/realtime/poll/"+sid, env(t, models.EventJoinTrackingRoom, "123"))
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	waitMembers(t, h, presence.TrackingRoom("123"), 1)

	status, frames := pollFrames(t, srv, sid)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, frames)

	mech := dial(t, srv, "")
	sendFrame(t, mech, models.EventUpdateLocation, locationPayload(10.0, 20.0))

	require.Eventually(t, func() bool {
		_, frames = pollFrames(t, srv, sid)
		return len(frames) > 0
	}, 3*time.Second, 20*time.Millisecond)
	require.Len(t, frames, 1)
	require.Equal(t, models.EventLocationUpdate, frames[0].Event)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/realtime/poll/"+sid, nil)
	dresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	dresp.Body.Close()
	require.Equal(t, http.StatusNoContent, dresp.StatusCode)

	status, _ = pollFrames(t, srv, sid)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, 0, poll.SessionCount())
	require.Empty(t, h.hub.Registry().MembersOf(presence.TrackingRoom("123")))
}

func TestPollingSubmitBatchAndBadBody(t *testing.T) {
	h := newHarness(t)
	srv, _ := newTestServer(t, h)
	sid := openPoll(t, srv)

	resp := postJSON(t, srv.URL+"/realtime/poll/"+sid, []models.Envelope{
		env(t, models.EventJoinMechanicRoom, nil),
		env(t, models.EventJoinTrackingRoom, "5"),
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, h.hub.Registry().RoomsOf(sid), 2)

	bad, err := http.Post(srv.URL+"/realtime/poll/"+sid, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestPollingSweepExpiresIdleSessions(t *testing.T) {
	h := newHarness(t)
	poll := NewPollTransport(h.manager, nil, PollConfig{SessionTTL: time.Minute}, nil)
	base := time.Now()
	poll.now = func() time.Time { return base }

	rec := httptest.NewRecorder()
	poll.open(rec, httptest.NewRequest(http.MethodPost, "/realtime/poll", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	var out openResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	require.NoError(t, h.manager.OnJoinTracking(out.SID, "1"))
	require.Equal(t, 0, poll.Sweep())

	poll.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.Equal(t, 1, poll.Sweep())
	require.Equal(t, 0, poll.SessionCount())
	require.Empty(t, h.hub.Registry().RoomsOf(out.SID))
}
