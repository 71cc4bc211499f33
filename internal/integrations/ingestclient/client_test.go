package ingestclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestClient_Send_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/device/location", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var got models.PositionReport
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.Equal(t, "D1", got.DeviceID)
		require.Equal(t, "01-03-2025", got.Date)
		require.True(t, bool(got.MainPower))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"location accepted"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	err := c.Send(context.Background(), models.PositionReport{DeviceID: "D1", Date: "01-03-2025", Time: "10:00:00", MainPower: true})
	require.NoError(t, err)
}

func TestClient_Send_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unknown_device","message":"device D9"}`))
	}))
	defer srv.Close()

	err := New(srv.URL).Send(context.Background(), models.PositionReport{DeviceID: "D9"})
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	require.Equal(t, http.StatusBadRequest, rej.Status)
	require.Equal(t, "unknown_device", rej.Code)
}

func TestClient_Send_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"storage_unavailable"}`))
	}))
	defer srv.Close()

	err := New(srv.URL).Send(context.Background(), models.PositionReport{DeviceID: "D1"})
	require.ErrorContains(t, err, "503")
	var rej *RejectedError
	require.False(t, errors.As(err, &rej))
}

func TestNew_DefaultBaseURL(t *testing.T) {
	require.Equal(t, "http://localhost:8080", New("").baseURL)
}
