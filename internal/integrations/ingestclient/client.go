// Package ingestclient posts position reports to the device endpoint of the API.
package ingestclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/pkg/errors"
)

const locationPath = "/api/device/location"

type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// RejectedError is a 4xx answer: the report will not be accepted on retry.
type RejectedError struct {
	Status int
	Code   string
	Msg    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ingest rejected: http %d %s: %s", e.Status, e.Code, e.Msg)
}

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) Send(ctx context.Context, r models.PositionReport) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u.Path = strings.TrimRight(u.Path, "/") + locationPath

	body, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal report")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}

	var er errorResp
	_ = json.NewDecoder(resp.Body).Decode(&er)
	if resp.StatusCode/100 == 4 {
		return &RejectedError{Status: resp.StatusCode, Code: er.Error, Msg: er.Message}
	}
	return fmt.Errorf("ingest http %d: %s", resp.StatusCode, er.Error)
}
