package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/mechanic-dispatch/internal/auth"
	"github.com/example/mechanic-dispatch/internal/models"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "dispatchctl", cmd.Use)

	for _, name := range []string{"token", "storm", "track", "emit"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	server := cmd.PersistentFlags().Lookup("server")
	require.NotNil(t, server)
	assert.Equal(t, "http://localhost:8080", server.DefValue)
}

func TestRootRejectsBadServer(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--server", "localhost:8080", "token", "U1", "--secret", "s"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --server")
}

func TestTokenCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "M7", "--role", "mechanic", "--secret", "s3cret"})
	require.NoError(t, cmd.Execute())

	claims, err := auth.NewVerifier("s3cret").Parse(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "M7", claims.Subject)
	assert.True(t, claims.IsMechanic())
}

func TestMintTokenValidation(t *testing.T) {
	_, err := mintToken("", "U1", auth.RoleUser, time.Hour)
	assert.ErrorContains(t, err, "--secret")
	_, err = mintToken("s", "U1", "admin", time.Hour)
	assert.ErrorContains(t, err, "invalid role")
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/realtime/ws", (&RootOptions{Server: "http://localhost:8080/"}).wsURL())
	assert.Equal(t, "wss://dispatch.example.com/realtime/ws", (&RootOptions{Server: "https://dispatch.example.com"}).wsURL())
}

func TestPathInterpolates(t *testing.T) {
	pts := path(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 2}, 3)
	require.Len(t, pts, 3)
	assert.Equal(t, models.Coord{Lat: 0, Lon: 0}, pts[0])
	assert.Equal(t, models.Coord{Lat: 0.5, Lon: 1}, pts[1])
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, pts[2])

	assert.Equal(t, []models.Coord{{Lat: 1, Lon: 2}}, path(models.Coord{}, models.Coord{Lat: 1, Lon: 2}, 1))
}

// claimOnce admits the first authenticated accept and turns away the rest,
// the way the arbiter does.
func claimOnce(t *testing.T, secret string) http.Handler {
	v := auth.NewVerifier(secret)
	var taken atomic.Bool
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/requests/respond", r.URL.Path)
		claims, err := v.Parse(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if !assert.NoError(t, err) || !assert.True(t, claims.IsMechanic()) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "42", body["requestId"])
		assert.Equal(t, "accepted", body["response"])
		w.Header().Set("Content-Type", "application/json")
		if taken.CompareAndSwap(false, true) {
			_, _ = w.Write([]byte(`{"message":"Request accepted successfully"}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Request is no longer available"}`))
	})
}

func TestStormReportsSingleWinner(t *testing.T) {
	srv := httptest.NewServer(claimOnce(t, "s"))
	defer srv.Close()

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--server", srv.URL, "--secret", "s", "storm", "42",
		"--mechanic", "M1", "--mechanic", "M2", "--mechanic", "M3,M4"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "attempts: 4, winners: 1")
	assert.Contains(t, out.String(), "3 x 400 Request is no longer available")
}

func TestStormFailsWithoutWinner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Mechanic not found"}`))
	}))
	defer srv.Close()

	results, err := runStorm(context.Background(), srv.Client(), srv.URL, "s", "42", []string{"M1", "M2"})
	require.NoError(t, err)
	var out bytes.Buffer
	assert.Equal(t, 0, printStorm(&out, results))
	assert.Contains(t, out.String(), "2 x 404 Mechanic not found")
}

func TestTrackPrintsUpdates(t *testing.T) {
	joined := make(chan models.Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		var env models.Envelope
		if err := c.ReadJSON(&env); err != nil {
			return
		}
		joined <- env
		for i := 0; i < 2; i++ {
			out, _ := models.NewEnvelope(models.EventLocationUpdate, models.LocationUpdate{
				MechanicID: "M1",
				Location:   models.Location{Lat: 40.5, Lon: -74.25},
				Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
			})
			_ = c.WriteJSON(out)
		}
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	opts := &TrackOptions{RootOptions: &RootOptions{Server: srv.URL}, Count: 2}
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, track(ctx, opts, "42", &out))
	require.NoError(t, ctx.Err(), "track should stop after two updates")

	env := <-joined
	assert.Equal(t, models.EventJoinTrackingRoom, env.Event)
	assert.JSONEq(t, `"42"`, string(env.Data))
	assert.Equal(t, 2, strings.Count(out.String(), "2024-03-01T12:00:00Z mechanic=M1 lat=40.500000 lon=-74.250000"))
}
