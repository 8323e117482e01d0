package appium

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	labagent "github.com/httprunner/LabAgent"
)

// fakeServer answers a handful of W3C routes.
type fakeServer struct {
	mu       sync.Mutex
	created  atomic.Int32
	deleted  atomic.Int32
	requests []string
	bodies   map[string]string
	// routes maps "METHOD path" to a raw JSON response and status.
	routes map[string]fakeRoute
}

type fakeRoute struct {
	status int
	body   string
	delay  time.Duration
}

func newFakeServer(t *testing.T) (*fakeServer, *Client) {
	fs := &fakeServer{routes: map[string]fakeRoute{}, bodies: map[string]string{}}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, NewClient(srv.URL+"/", 2*time.Second)
}

func (fs *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	raw, _ := io.ReadAll(r.Body)
	fs.mu.Lock()
	fs.requests = append(fs.requests, key)
	fs.bodies[key] = string(raw)
	route, ok := fs.routes[key]
	fs.mu.Unlock()

	switch {
	case key == "POST /session":
		fs.created.Add(1)
		if !ok {
			route = fakeRoute{body: `{"value":{"sessionId":"s-1","capabilities":{}}}`}
		}
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/session/"):
		fs.deleted.Add(1)
		if !ok {
			route = fakeRoute{body: `{"value":null}`}
		}
	case !ok:
		route = fakeRoute{status: http.StatusNotFound, body: `{"value":{"error":"unknown command","message":"no route"}}`}
	}
	if route.delay > 0 {
		time.Sleep(route.delay)
	}
	if route.status == 0 {
		route.status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(route.status)
	_, _ = w.Write([]byte(route.body))
}

func (fs *fakeServer) set(key string, route fakeRoute) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.routes[key] = route
}

func (fs *fakeServer) body(key string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.bodies[key]
}

func TestCreateSessionSendsCapabilities(t *testing.T) {
	fs, client := newFakeServer(t)
	session, err := client.CreateSession(context.Background(), "R58M", AndroidCapabilities(labagent.Device{Serial: "R58M"}))
	require.NoError(t, err)
	assert.Equal(t, "s-1", session.ID())

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(fs.body("POST /session")), &payload))
	always := payload["capabilities"].(map[string]any)["alwaysMatch"].(map[string]any)
	assert.Equal(t, "R58M", always["appium:udid"])
	assert.Equal(t, "UiAutomator2", always["appium:automationName"])
}

func TestFindElementsAndInteract(t *testing.T) {
	fs, client := newFakeServer(t)
	fs.set("POST /session/s-1/elements", fakeRoute{body: `{"value":[
		{"element-6066-11e4-a52e-4f735466cecf":"e1"},
		{"ELEMENT":"e2"},
		{}
	]}`})
	fs.set("GET /session/s-1/element/e1/text", fakeRoute{body: `{"value":"Settings"}`})
	fs.set("POST /session/s-1/element/e1/click", fakeRoute{body: `{"value":null}`})

	session, err := client.CreateSession(context.Background(), "R58M", nil)
	require.NoError(t, err)
	elements, err := session.FindElements(context.Background(), labagent.QueryLeaves)
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Contains(t, fs.body("POST /session/s-1/elements"), `//*[not(*)]`)

	text, err := elements[0].Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Settings", text)
	require.NoError(t, elements[0].Click(context.Background()))
}

func TestErrorClassification(t *testing.T) {
	fs, client := newFakeServer(t)
	fs.set("POST /session/s-1/element/e1/click", fakeRoute{status: http.StatusNotFound,
		body: `{"value":{"error":"stale element reference","message":"element is gone"}}`})
	fs.set("POST /session/s-1/elements", fakeRoute{status: http.StatusNotFound,
		body: `{"value":{"error":"invalid session id","message":"session deleted"}}`})

	session, err := client.CreateSession(context.Background(), "R58M", nil)
	require.NoError(t, err)

	err = (&element{session: session, id: "e1"}).Click(context.Background())
	assert.True(t, labagent.IsKind(err, labagent.KindElementChurn), "got %v", err)

	_, err = session.FindElements(context.Background(), labagent.QueryAll)
	assert.True(t, labagent.IsKind(err, labagent.KindSessionFatal), "got %v", err)
	assert.Contains(t, err.Error(), "invalid session id")
}

func TestTimeoutIsTransportTimeout(t *testing.T) {
	fs, client := newFakeServer(t)
	fs.set("GET /session/s-1/screenshot", fakeRoute{body: `{"value":""}`, delay: 200 * time.Millisecond})
	session, err := client.CreateSession(context.Background(), "R58M", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = session.Screenshot(ctx)
	assert.True(t, labagent.IsKind(err, labagent.KindTransportTimeout), "got %v", err)
}

func TestScreenshotAndAppState(t *testing.T) {
	fs, client := newFakeServer(t)
	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG"))
	fs.set("GET /session/s-1/screenshot", fakeRoute{body: `{"value":"` + png + `"}`})
	fs.set("POST /session/s-1/execute/sync", fakeRoute{body: `{"value":4}`})

	session, err := client.CreateSession(context.Background(), "00008110", nil)
	require.NoError(t, err)

	raw, err := session.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(raw))

	state, err := session.QueryAppState(context.Background(), "com.example.app")
	require.NoError(t, err)
	assert.Equal(t, labagent.AppStateRunningForeground, state)
	assert.Contains(t, fs.body("POST /session/s-1/execute/sync"), "mobile: queryAppState")

	ok, err := labagent.QueryForeground(context.Background(), session, "com.example.app", labagent.AppStateRunningForeground)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPoolReusesAndReleasesIdempotently(t *testing.T) {
	fs, client := newFakeServer(t)
	pool := NewPool(client, IOSCapabilities)
	dev := labagent.Device{Serial: "00008110", Name: "iPhone"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Acquire(context.Background(), dev)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fs.created.Load())

	require.NoError(t, pool.Release(context.Background(), dev.Serial))
	require.NoError(t, pool.Release(context.Background(), dev.Serial))
	assert.Equal(t, int32(1), fs.deleted.Load())
	_, ok := pool.Get(dev.Serial)
	assert.False(t, ok)
}

func TestPoolReleaseSwallowsDeleteFailure(t *testing.T) {
	fs, client := newFakeServer(t)
	fs.set("DELETE /session/s-1", fakeRoute{status: http.StatusInternalServerError, body: `oops`})
	pool := NewPool(client, AndroidCapabilities)

	_, err := pool.Acquire(context.Background(), labagent.Device{Serial: "R58M"})
	require.NoError(t, err)
	assert.NoError(t, pool.Release(context.Background(), "R58M"))
	_, ok := pool.Get("R58M")
	assert.False(t, ok)
}
