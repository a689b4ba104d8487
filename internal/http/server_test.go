package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/core"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

const secret = "test-secret"

type fixture struct {
	srv      *httptest.Server
	core     *core.Dispatcher
	verifier *auth.Verifier
}

func newFixture(t *testing.T, checks ...Check) *fixture {
	t.Helper()
	cfg := config.DefaultDispatchConfig()
	cfg.OfferWindow = 5 * time.Second
	cfg.SweepInterval = time.Hour
	d := core.New(cfg, core.Deps{Logger: logging.Discard()})
	d.Start(context.Background())
	v := auth.NewVerifier(secret, "")
	srv := httptest.NewServer(NewServer(d, v, logging.Discard(), checks...))
	t.Cleanup(func() {
		d.Close()
		srv.Close()
	})
	return &fixture{srv: srv, core: d, verifier: v}
}

func (f *fixture) token(t *testing.T, id string, role models.Role) string {
	t.Helper()
	ident := auth.Identity{ParticipantID: id, Role: role}
	if role == models.RoleDriver {
		ident.VehicleClass = models.VehicleSedan
	}
	tok, err := f.verifier.Issue(ident, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func sendFrame(t *testing.T, conn *websocket.Conn, event, id string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.Envelope{Event: event, ID: id, Data: raw}))
}

func readFrame(t *testing.T, conn *websocket.Conn, event string) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event == event {
			return env
		}
	}
}

// onlineDriver connects a driver and gives it a position so offer rounds
// have someone to wait on.
func (f *fixture) onlineDriver(t *testing.T, id string, lat, lon float64) *websocket.Conn {
	t.Helper()
	conn := f.dial(t, f.token(t, id, models.RoleDriver))
	waitOnline(t, f.core, id)
	sendFrame(t, conn, models.EventLocationUpdate, "l", models.LocationUpdate{Coordinate: models.Coord{Lat: lat, Lon: lon}})
	readFrame(t, conn, models.EventAck)
	return conn
}

func waitOnline(t *testing.T, d *core.Dispatcher, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return d.Registry().IsOnline(id) }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectsBadCredentialBeforeUpgrade(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.True(t, errors.Is(err, websocket.ErrBadHandshake))
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	h := http.Header{}
	h.Set("Authorization", "Bearer not-a-jwt")
	_, resp, err = websocket.DefaultDialer.Dial(url, h)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, f.core.Registry().Count()[models.RoleRider])
}

func TestWebsocketHeartbeatAndErrors(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.token(t, "u1", models.RoleRider))
	waitOnline(t, f.core, "u1")

	require.NoError(t, conn.WriteJSON(models.Envelope{Event: models.EventHeartbeat, ID: "hb-1"}))
	assert.Equal(t, "hb-1", readFrame(t, conn, models.EventHeartbeatAck).ID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var p models.ErrorPayload
	require.NoError(t, json.Unmarshal(readFrame(t, conn, models.EventError).Data, &p))
	assert.Equal(t, "bad_request", p.Code)
}

func TestWebsocketOfferAndAccept(t *testing.T) {
	f := newFixture(t)
	driver := f.dial(t, f.token(t, "d1", models.RoleDriver))
	rider := f.dial(t, f.token(t, "u1", models.RoleRider))
	waitOnline(t, f.core, "d1")
	waitOnline(t, f.core, "u1")

	sendFrame(t, driver, models.EventLocationUpdate, "l", models.LocationUpdate{Coordinate: models.Coord{Lat: 12.97, Lon: 77.59}})
	readFrame(t, driver, models.EventAck)

	sendFrame(t, rider, models.EventRideRequest, "r", models.RideRequest{
		Pickup:       models.Place{Coord: models.Coord{Lat: 12.971, Lon: 77.591}},
		Destination:  models.Place{Coord: models.Coord{Lat: 13.0, Lon: 77.6}},
		VehicleClass: models.VehicleSedan,
	})
	var ref models.RideRef
	require.NoError(t, json.Unmarshal(readFrame(t, rider, models.EventRideRequested).Data, &ref))

	var offer models.RideOffer
	require.NoError(t, json.Unmarshal(readFrame(t, driver, models.EventRideOffer).Data, &offer))
	assert.Equal(t, ref.RideID, offer.RideID)

	sendFrame(t, driver, models.EventOfferResponse, "", models.OfferResponse{RideID: ref.RideID, Accept: true})
	var upd models.RideUpdate
	require.NoError(t, json.Unmarshal(readFrame(t, rider, models.EventRideConfirmed).Data, &upd))
	assert.Equal(t, "d1", upd.DriverID)
	assert.Len(t, upd.Code, 4)
}

func TestClosingSocketTakesDriverOffline(t *testing.T) {
	f := newFixture(t)
	driver := f.dial(t, f.token(t, "d1", models.RoleDriver))
	waitOnline(t, f.core, "d1")
	sendFrame(t, driver, models.EventLocationUpdate, "l", models.LocationUpdate{Coordinate: models.Coord{Lat: 1, Lon: 1}})
	readFrame(t, driver, models.EventAck)

	require.NoError(t, driver.Close())
	require.Eventually(t, func() bool {
		_, ok := f.core.Index().Get("d1")
		return !f.core.Registry().IsOnline("d1") && !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvictedSocketReceivesQueuedFramesBeforeClose(t *testing.T) {
	f := newFixture(t)
	rider := f.dial(t, f.token(t, "u1", models.RoleRider))
	waitOnline(t, f.core, "u1")
	c, ok := f.core.Registry().Lookup("u1")
	require.True(t, ok)

	const n = 20
	for i := range n {
		require.NoError(t, c.Deliver(models.Envelope{Event: models.EventHeartbeatAck, ID: strconv.Itoa(i)}))
	}
	require.True(t, f.core.Registry().Release(c, registry.ReasonIdle))

	require.NoError(t, rider.SetReadDeadline(time.Now().Add(3*time.Second)))
	for i := range n {
		var env models.Envelope
		require.NoError(t, rider.ReadJSON(&env), "frame %d", i)
		assert.Equal(t, strconv.Itoa(i), env.ID)
	}
	_, _, err := rider.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.False(t, f.core.Registry().IsOnline("u1"))
}

func TestRESTRideRequestAndLookup(t *testing.T) {
	f := newFixture(t)
	f.onlineDriver(t, "d1", 1, 1)
	riderTok := f.token(t, "u1", models.RoleRider)
	req := models.RideRequest{
		Pickup:      models.Place{Coord: models.Coord{Lat: 1, Lon: 1}},
		Destination: models.Place{Coord: models.Coord{Lat: 1.1, Lon: 1.1}},
	}

	resp := f.do(t, http.MethodPost, "/api/v1/rides/request", "", req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/rides/request", f.token(t, "d1", models.RoleDriver), req)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/rides/request", riderTok, req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	var created ride.Ride
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	resp = f.do(t, http.MethodPost, "/api/v1/rides/request", riderTok, req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/rides/"+created.ID, f.token(t, "u2", models.RoleRider), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/rides/"+created.ID, f.token(t, "op", models.RoleOperator), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view core.RideView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "u1", view.RiderID)

	resp = f.do(t, http.MethodGet, "/api/v1/rides/missing", riderTok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRESTCancel(t *testing.T) {
	f := newFixture(t)
	driver := f.onlineDriver(t, "d1", 1, 1)
	riderTok := f.token(t, "u1", models.RoleRider)
	resp := f.do(t, http.MethodPost, "/api/v1/rides/request", riderTok, models.RideRequest{
		Pickup:      models.Place{Coord: models.Coord{Lat: 1, Lon: 1}},
		Destination: models.Place{Coord: models.Coord{Lat: 1.1, Lon: 1.1}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created ride.Ride
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	readFrame(t, driver, models.EventRideOffer)

	resp = f.do(t, http.MethodPost, "/api/v1/rides/"+created.ID+"/cancel", riderTok, map[string]string{"reason": "late"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled ride.Ride
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cancelled))
	assert.Equal(t, ride.StatusCancelled, cancelled.Status)
	readFrame(t, driver, models.EventRideOfferExpired)

	resp = f.do(t, http.MethodPost, "/api/v1/rides/"+created.ID+"/cancel", riderTok, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestProbes(t *testing.T) {
	var down atomic.Bool
	f := newFixture(t, Check{Name: "redis", Ping: func(context.Context) error {
		if down.Load() {
			return errors.New("down")
		}
		return nil
	}})

	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down.Store(true)
	resp = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	down.Store(false)
	f.core.Index().Close()
	resp = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
