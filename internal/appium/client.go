// Package appium is a minimal W3C WebDriver client for an Appium server.
// Sessions satisfy labagent.DriverSession.
package appium

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	labagent "github.com/httprunner/LabAgent"
)

const (
	defaultServerURL   = "http://127.0.0.1:4723"
	defaultHTTPTimeout = 60 * time.Second

	// w3cElementKey is the element reference key of the W3C protocol;
	// legacyElementKey is the JSONWP one still returned by some drivers.
	w3cElementKey    = "element-6066-11e4-a52e-4f735466cecf"
	legacyElementKey = "ELEMENT"
)

// churnCodes are W3C error codes caused by the UI changing under a
// reference. They never invalidate the session.
var churnCodes = map[string]struct{}{
	"stale element reference":   {},
	"no such element":           {},
	"element not interactable":  {},
	"element click intercepted": {},
	"invalid element state":     {},
}

// W3CError is an error payload returned by the server.
type W3CError struct {
	Status  int
	Code    string
	Message string
}

func (e *W3CError) Error() string {
	return "appium: " + e.Code + ": " + e.Message
}

// IsChurn reports whether the error is element-level.
func (e *W3CError) IsChurn() bool {
	_, ok := churnCodes[e.Code]
	return ok
}

// Client talks to one Appium server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(serverURL string, timeout time.Duration) *Client {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Client{
		baseURL:    serverURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Status returns the server status payload.
func (c *Client) Status(ctx context.Context) (gjson.Result, error) {
	return c.do(ctx, http.MethodGet, "/status", nil)
}

// do sends one command and returns the "value" member of the response.
func (c *Client) do(ctx context.Context, method, path string, payload any) (gjson.Result, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return gjson.Result{}, errors.Wrap(err, "appium: encode request failed")
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return gjson.Result{}, errors.Wrap(err, "appium: build request failed")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, errors.Wrap(err, "appium: read response failed")
	}
	log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Msg("appium: request done")

	value := gjson.GetBytes(raw, "value")
	if code := value.Get("error"); code.Exists() {
		return value, &W3CError{Status: resp.StatusCode, Code: code.String(), Message: value.Get("message").String()}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return value, &W3CError{Status: resp.StatusCode, Code: "unknown error", Message: strings.TrimSpace(string(raw))}
	}
	return value, nil
}

// classify maps a transport or protocol error onto the lab error kinds.
func classify(op, serial string, err error) error {
	if err == nil {
		return nil
	}
	var w3c *W3CError
	if errors.As(err, &w3c) {
		if w3c.IsChurn() {
			return labagent.ElementChurn(op, err)
		}
		return labagent.SessionFatal(op, serial, err)
	}
	if isTimeout(err) {
		return labagent.TransportTimeout(op, serial, err)
	}
	return labagent.SessionFatal(op, serial, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
