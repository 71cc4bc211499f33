package trackerapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// history отдаёт голову окна; при обрезке клиент сужает from/to
const (
	headerHistoryLimit     = "X-History-Limit"
	headerHistoryTruncated = "X-History-Truncated"
)

func (a *API) deviceLocation(w http.ResponseWriter, r *http.Request) {
	var rep models.PositionReport
	if err := decodeJSON(w, r, &rep); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := a.ingestor.Ingest(r.Context(), rep); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "location accepted"})
}

type assignRequest struct {
	DeviceID      string `json:"deviceId"`
	ClaimSecret   string `json:"claimSecret"`
	ActivationKey string `json:"activationKey"` // старое имя claimSecret
	VehicleType   string `json:"vehicleType"`
	DisplayName   string `json:"displayName"`
}

func (a *API) assignTracker(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	secret := req.ClaimSecret
	if secret == "" {
		secret = req.ActivationKey
	}

	t, err := a.trackers.Claim(r.Context(), models.ClaimInput{
		DeviceID:    strings.TrimSpace(req.DeviceID),
		ClaimSecret: secret,
		AccountID:   AccountFromContext(r.Context()),
		DisplayName: req.DisplayName,
		Category:    models.VehicleCategory(strings.ToLower(req.VehicleType)),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "tracker assigned",
		"tracker": toTrackerView(t),
	})
}

func (a *API) listTrackers(w http.ResponseWriter, r *http.Request) {
	sts, err := a.trackers.ListOwned(r.Context(), AccountFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]trackerStatusView, 0, len(sts))
	for _, st := range sts {
		out = append(out, toStatusView(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) liveState(w http.ResponseWriter, r *http.Request) {
	id, err := trackerID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := a.trackers.LiveState(r.Context(), AccountFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, liveStateView{Latest: st.Latest, Status: st.Presence})
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	id, err := trackerID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	var win models.HistoryWindow
	if win.From, err = parseBound(q.Get("from")); err != nil {
		writeError(w, r, errors.Wrap(err, "from"))
		return
	}
	if win.To, err = parseBound(q.Get("to")); err != nil {
		writeError(w, r, errors.Wrap(err, "to"))
		return
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			writeError(w, r, errors.Wrap(models.ErrBadInput, "limit must be a non-negative integer"))
			return
		}
	}

	page, err := a.trackers.History(r.Context(), AccountFromContext(r.Context()), id, win, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set(headerHistoryLimit, strconv.Itoa(page.Limit))
	if page.Truncated {
		w.Header().Set(headerHistoryTruncated, "true")
	}
	writeJSON(w, http.StatusOK, page.Records)
}

type provisionRequest struct {
	DeviceID    string `json:"deviceId"`
	ClaimSecret string `json:"claimSecret"`
	VehicleType string `json:"vehicleType"`
	DisplayName string `json:"displayName"`
}

func (a *API) provisionTracker(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := a.trackers.Provision(r.Context(), models.TrackerCreateInput{
		DeviceID:    req.DeviceID,
		ClaimSecret: req.ClaimSecret,
		DisplayName: req.DisplayName,
		Category:    models.VehicleCategory(strings.ToLower(req.VehicleType)),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, provisionedView{trackerView: toTrackerView(t), ClaimSecret: t.ClaimSecret})
}

func trackerID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Wrapf(models.ErrBadInput, "invalid tracker id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func parseBound(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, errors.Wrapf(models.ErrBadInput, "expected RFC3339 time, got %q", s)
	}
	t = t.UTC()
	return &t, nil
}
