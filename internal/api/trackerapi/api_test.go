package trackerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/TrackLive/internal/auth"
	"github.com/BearBump/TrackLive/internal/fanout"
	"github.com/BearBump/TrackLive/internal/models"
	"github.com/BearBump/TrackLive/internal/services/ingest"
	"github.com/BearBump/TrackLive/internal/services/trackers"
	"github.com/BearBump/TrackLive/internal/storage/memtracker"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv      *httptest.Server
	hub      *fanout.Hub
	svc      *trackers.Service
	verifier *auth.Verifier
	clock    *clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{clock: &clock{t: time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)}}

	st := memtracker.New()
	env.hub = fanout.NewHub()
	env.svc = trackers.New(st, nil, 0).WithClock(env.clock.now)
	ing := ingest.New(env.svc, st, env.hub)
	env.verifier = auth.NewVerifier("test-secret")

	api := New(env.svc, ing, env.hub, env.verifier).WithAdminKey("admin")
	env.srv = httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		env.srv.Close()
		env.hub.Close()
	})
	return env
}

func (e *testEnv) token(t *testing.T, acc string) string {
	t.Helper()
	tok, err := e.verifier.Issue(acc, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, hdr ...string) (int, map[string]any, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)
	return resp.StatusCode, obj, raw
}

func (e *testEnv) provision(t *testing.T, device, secret string) uint64 {
	t.Helper()
	code, obj, _ := e.do(t, http.MethodPost, "/api/admin/trackers", "",
		map[string]string{"deviceId": device, "claimSecret": secret}, "X-Admin-Key", "admin")
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, secret, obj["claimSecret"])
	return uint64(obj["id"].(float64))
}

func location(device, clock string, battery int) map[string]any {
	return map[string]any{
		"deviceId": device, "latitude": 12.97, "longitude": 77.59,
		"date": "01-03-2025", "time": clock, "main": 1, "battery": battery,
	}
}

func TestAPI_Health(t *testing.T) {
	env := newTestEnv(t)
	code, obj, _ := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", obj["status"])

	code, _, _ = env.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestAPI_ReadyzFails(t *testing.T) {
	api := New(nil, nil, nil, nil).WithReadiness(func(ctx context.Context) error { return errors.New("pg down") })
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPI_DeviceLocation_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.provision(t, "D1", "S1")

	code, obj, _ := env.do(t, http.MethodPost, "/api/device/location", "", location("D404", "10:00:00", 50))
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "unknown_device", obj["error"])

	bad := location("D1", "10:00:00", 50)
	bad["date"] = "2025-03-01"
	code, obj, _ = env.do(t, http.MethodPost, "/api/device/location", "", bad)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "malformed_timestamp", obj["error"])

	code, obj, _ = env.do(t, http.MethodPost, "/api/device/location", "", "{not json")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "bad_input", obj["error"])

	code, obj, _ = env.do(t, http.MethodPost, "/api/device/location", "", location("D1", "10:00:00", 50))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "location accepted", obj["message"])
}

func TestAPI_UserEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)
	for _, p := range []string{"/api/user/trackers", "/api/user/trackers/1/live", "/api/user/trackers/1/history"} {
		code, obj, _ := env.do(t, http.MethodGet, p, "", nil)
		require.Equal(t, http.StatusUnauthorized, code, p)
		require.Equal(t, "unauthorized", obj["error"])
	}
	code, _, _ := env.do(t, http.MethodGet, "/api/user/trackers", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestAPI_AdminRequiresKey(t *testing.T) {
	env := newTestEnv(t)
	code, _, _ := env.do(t, http.MethodPost, "/api/admin/trackers", "", map[string]string{"deviceId": "D1"})
	require.Equal(t, http.StatusUnauthorized, code)

	code, _, _ = env.do(t, http.MethodPost, "/api/admin/trackers", "", map[string]string{"deviceId": "D1"}, "X-Admin-Key", "wrong")
	require.Equal(t, http.StatusUnauthorized, code)

	env.provision(t, "D1", "S1")
	code, obj, _ := env.do(t, http.MethodPost, "/api/admin/trackers", "", map[string]string{"deviceId": "D1"}, "X-Admin-Key", "admin")
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "already_exists", obj["error"])
}

func TestAPI_ClaimListLiveHistory(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "D1", "S1")
	u1 := env.token(t, "U1")
	u2 := env.token(t, "U2")

	code, obj, _ := env.do(t, http.MethodPost, "/api/user/assign-tracker", u1,
		map[string]string{"deviceId": "D1", "claimSecret": "nope"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "secret_mismatch", obj["error"])

	code, obj, _ = env.do(t, http.MethodPost, "/api/user/assign-tracker", u1,
		map[string]string{"deviceId": "D1", "activationKey": "S1", "vehicleType": "Truck", "displayName": "Lorry"})
	require.Equal(t, http.StatusOK, code)
	tr := obj["tracker"].(map[string]any)
	require.Equal(t, "U1", tr["ownerId"])
	require.Equal(t, "truck", tr["vehicleType"])
	require.NotContains(t, tr, "claimSecret")

	// второй claim другим аккаунтом: успех без смены владельца
	code, obj, _ = env.do(t, http.MethodPost, "/api/user/assign-tracker", u2,
		map[string]string{"deviceId": "D1", "claimSecret": "S1"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "U1", obj["tracker"].(map[string]any)["ownerId"])

	path := "/api/user/trackers/" + strconv.FormatUint(id, 10)
	code, obj, _ = env.do(t, http.MethodGet, path+"/live", u1, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "no_data", obj["error"])

	for _, clock := range []string{"10:00:00", "10:00:05", "10:00:10"} {
		code, _, _ = env.do(t, http.MethodPost, "/api/device/location", "", location("D1", clock, 42))
		require.Equal(t, http.StatusOK, code)
	}

	code, obj, _ = env.do(t, http.MethodGet, path+"/live", u1, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "online", obj["status"])
	require.Equal(t, float64(42), obj["latest"].(map[string]any)["battery"])

	code, _, _ = env.do(t, http.MethodGet, path+"/live", u2, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	code, _, _ = env.do(t, http.MethodGet, "/api/user/trackers/999/live", u1, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	code, _, _ = env.do(t, http.MethodGet, "/api/user/trackers/abc/live", u1, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _, raw := env.do(t, http.MethodGet, path+"/history?from=2025-03-01T10:00:00Z&to=2025-03-01T10:00:10Z", u1, nil)
	require.Equal(t, http.StatusOK, code)
	var hist []models.HistoryRecord
	require.NoError(t, json.Unmarshal(raw, &hist))
	require.Len(t, hist, 2)
	require.True(t, hist[0].Timestamp.Before(hist[1].Timestamp))

	code, _, raw = env.do(t, http.MethodGet, path+"/history?from=2030-01-01T00:00:00Z", u1, nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, "[]", string(raw))

	code, obj, _ = env.do(t, http.MethodGet, path+"/history?from=yesterday", u1, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "bad_input", obj["error"])

	env.clock.advance(5 * time.Minute)
	code, _, raw = env.do(t, http.MethodGet, "/api/user/trackers", u1, nil)
	require.Equal(t, http.StatusOK, code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 1)
	require.Equal(t, "offline", list[0]["status"])

	code, _, raw = env.do(t, http.MethodGet, "/api/user/trackers", u2, nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, "[]", string(raw))
}

func TestAPI_LiveChannel(t *testing.T) {
	env := newTestEnv(t)
	env.provision(t, "D1", "S1")
	u1 := env.token(t, "U1")

	code, _, _ := env.do(t, http.MethodPost, "/api/user/assign-tracker", u1,
		map[string]string{"deviceId": "D1", "claimSecret": "S1"})
	require.Equal(t, http.StatusOK, code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/user/live"

	_, resp, err := websocket.Dial(ctx, wsURL+"?token=bad", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + u1}},
	})
	require.NoError(t, err)
	defer c.CloseNow()

	require.Eventually(t, func() bool { return env.hub.Connections("U1") == 1 }, 2*time.Second, 5*time.Millisecond)

	code, _, _ = env.do(t, http.MethodPost, "/api/device/location", "", location("D1", "10:00:05", 42))
	require.Equal(t, http.StatusOK, code)

	var frame struct {
		Type string               `json:"type"`
		Data models.PositionEvent `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, c, &frame))
	require.Equal(t, "locationUpdate", frame.Type)
	require.Equal(t, "D1", frame.Data.DeviceID)
	require.Equal(t, 42, frame.Data.BatteryPercent)
	require.Equal(t, time.Date(2025, 3, 1, 10, 0, 5, 0, time.UTC), frame.Data.Timestamp.UTC())

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return env.hub.Connections("U1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		code int
		name string
	}{
		{models.StorageFailure("op", errors.New("x")), http.StatusServiceUnavailable, "storage_unavailable"},
		{errors.Wrap(models.ErrTimeout, "x"), http.StatusGatewayTimeout, "timeout"},
		{errors.Wrap(models.ErrRateLimited, "x"), http.StatusTooManyRequests, "rate_limited"},
		{errors.Wrap(models.ErrNotFound, "x"), http.StatusNotFound, "no_data"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, c := range cases {
		code, name := statusOf(c.err)
		require.Equal(t, c.code, code, c.name)
		require.Equal(t, c.name, name)
	}
}

func TestAPI_HistoryTruncationHeaders(t *testing.T) {
	env := newTestEnv(t)
	id := env.provision(t, "D1", "S1")
	u1 := env.token(t, "U1")
	code, _, _ := env.do(t, http.MethodPost, "/api/user/assign-tracker", u1,
		map[string]string{"deviceId": "D1", "claimSecret": "S1"})
	require.Equal(t, http.StatusOK, code)
	for _, clock := range []string{"10:00:00", "10:00:05", "10:00:10"} {
		code, _, _ = env.do(t, http.MethodPost, "/api/device/location", "", location("D1", clock, 42))
		require.Equal(t, http.StatusOK, code)
	}

	get := func(query string) (*http.Response, []models.HistoryRecord) {
		req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/user/trackers/"+strconv.FormatUint(id, 10)+"/history"+query, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+u1)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var hist []models.HistoryRecord
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&hist))
		return resp, hist
	}

	resp, hist := get("?limit=2")
	require.Len(t, hist, 2)
	require.Equal(t, "true", resp.Header.Get("X-History-Truncated"))
	require.Equal(t, "2", resp.Header.Get("X-History-Limit"))

	// следующая страница: from = время последней записи + 1с
	resp, hist = get("?limit=2&from=2025-03-01T10:00:06Z")
	require.Len(t, hist, 1)
	require.Empty(t, resp.Header.Get("X-History-Truncated"))

	resp, hist = get("")
	require.Len(t, hist, 3)
	require.Empty(t, resp.Header.Get("X-History-Truncated"))
	require.Equal(t, strconv.Itoa(models.MaxHistoryRecords), resp.Header.Get("X-History-Limit"))
}
