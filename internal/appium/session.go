package appium

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	labagent "github.com/httprunner/LabAgent"
)

// Session is one live Appium session bound to a device serial.
type Session struct {
	client *Client
	id     string
	serial string
}

// CreateSession opens a session with the given alwaysMatch capabilities.
func (c *Client) CreateSession(ctx context.Context, serial string, caps map[string]any) (*Session, error) {
	payload := map[string]any{
		"capabilities": map[string]any{"alwaysMatch": caps, "firstMatch": []any{map[string]any{}}},
	}
	value, err := c.do(ctx, http.MethodPost, "/session", payload)
	if err != nil {
		return nil, classify("create session", serial, err)
	}
	id := value.Get("sessionId").String()
	if id == "" {
		return nil, labagent.SessionFatal("create session", serial, errors.New("response missing sessionId"))
	}
	return &Session{client: c, id: id, serial: serial}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Serial() string { return s.serial }

func (s *Session) path(suffix string) string {
	return "/session/" + url.PathEscape(s.id) + suffix
}

func (s *Session) do(ctx context.Context, op, method, suffix string, payload any) (gjson.Result, error) {
	value, err := s.client.do(ctx, method, s.path(suffix), payload)
	return value, classify(op, s.serial, err)
}

// Delete ends the session on the server.
func (s *Session) Delete(ctx context.Context) error {
	_, err := s.do(ctx, "delete session", http.MethodDelete, "", nil)
	return err
}

// FindElements returns the elements matching the query xpath.
func (s *Session) FindElements(ctx context.Context, query labagent.ElementQuery) ([]labagent.Element, error) {
	value, err := s.do(ctx, "find elements", http.MethodPost, "/elements",
		map[string]string{"using": "xpath", "value": query.XPath()})
	if err != nil {
		return nil, err
	}
	refs := value.Array()
	out := make([]labagent.Element, 0, len(refs))
	for _, ref := range refs {
		id := ref.Get(w3cElementKey).String()
		if id == "" {
			id = ref.Get(legacyElementKey).String()
		}
		if id == "" {
			continue
		}
		out = append(out, &element{session: s, id: id})
	}
	return out, nil
}

// Execute runs a script such as "mobile: shell" and returns its value.
func (s *Session) Execute(ctx context.Context, script string, args ...any) (gjson.Result, error) {
	if args == nil {
		args = []any{}
	}
	return s.do(ctx, "execute "+script, http.MethodPost, "/execute/sync",
		map[string]any{"script": script, "args": args})
}

// QueryAppState returns the application state of appID. Android drivers read
// appId, iOS drivers read bundleId.
func (s *Session) QueryAppState(ctx context.Context, appID string) (labagent.AppState, error) {
	value, err := s.Execute(ctx, "mobile: queryAppState", map[string]string{"appId": appID, "bundleId": appID})
	if err != nil {
		return labagent.AppStateNotInstalled, err
	}
	return labagent.AppState(value.Int()), nil
}

// ActivateApp brings appID to the foreground.
func (s *Session) ActivateApp(ctx context.Context, appID string) error {
	_, err := s.Execute(ctx, "mobile: activateApp", map[string]string{"appId": appID, "bundleId": appID})
	return err
}

// PressHome navigates to the home screen.
func (s *Session) PressHome(ctx context.Context) error {
	_, err := s.Execute(ctx, "mobile: pressButton", map[string]string{"name": "home"})
	return err
}

// Screenshot returns the PNG bytes of the current screen.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	value, err := s.do(ctx, "screenshot", http.MethodGet, "/screenshot", nil)
	if err != nil {
		return nil, err
	}
	png, err := base64.StdEncoding.DecodeString(value.String())
	if err != nil {
		return nil, labagent.SessionFatal("screenshot", s.serial, errors.Wrap(err, "decode screenshot"))
	}
	return png, nil
}

// Logs returns the messages of the given log type (logcat, syslog, ...)
// collected since the previous call.
func (s *Session) Logs(ctx context.Context, logType string) ([]string, error) {
	value, err := s.do(ctx, "get logs", http.MethodPost, "/se/log", map[string]string{"type": logType})
	if err != nil {
		return nil, err
	}
	entries := value.Array()
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Get("message").String())
	}
	return out, nil
}

// StartRecordingScreen starts the driver-side screen recorder.
func (s *Session) StartRecordingScreen(ctx context.Context) error {
	_, err := s.do(ctx, "start recording screen", http.MethodPost, "/appium/start_recording_screen",
		map[string]any{"options": map[string]any{}})
	return err
}

// StopRecordingScreen stops the recorder and returns the video bytes.
func (s *Session) StopRecordingScreen(ctx context.Context) ([]byte, error) {
	value, err := s.do(ctx, "stop recording screen", http.MethodPost, "/appium/stop_recording_screen",
		map[string]any{"options": map[string]any{}})
	if err != nil {
		return nil, err
	}
	video, err := base64.StdEncoding.DecodeString(value.String())
	if err != nil {
		return nil, errors.Wrap(err, "appium: decode recording")
	}
	return video, nil
}

type element struct {
	session *Session
	id      string
}

func (e *element) path(suffix string) string {
	return "/element/" + url.PathEscape(e.id) + suffix
}

func (e *element) Text(ctx context.Context) (string, error) {
	value, err := e.session.do(ctx, "element text", http.MethodGet, e.path("/text"), nil)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func (e *element) Click(ctx context.Context) error {
	_, err := e.session.do(ctx, "element click", http.MethodPost, e.path("/click"), map[string]any{})
	return err
}

var _ labagent.DriverSession = (*Session)(nil)
