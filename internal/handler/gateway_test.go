package handler

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/uchit66/reactive-interaction-gateway/internal/audit"
	"github.com/uchit66/reactive-interaction-gateway/internal/auth"
	"github.com/uchit66/reactive-interaction-gateway/internal/config"
	fwd "github.com/uchit66/reactive-interaction-gateway/internal/forward"
	"github.com/uchit66/reactive-interaction-gateway/internal/model"
	"github.com/uchit66/reactive-interaction-gateway/internal/ratelimit"
	"github.com/uchit66/reactive-interaction-gateway/internal/registry"
	"github.com/uchit66/reactive-interaction-gateway/internal/tracker"
)

// recordingSink captures audit events in memory.
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Publish(e audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) all() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

// proxyTo points an api definition at a test upstream.
func proxyTo(t *testing.T, rawurl string) model.ProxyConfig {
	t.Helper()
	u, err := url.Parse(rawurl)
	if err != nil {
		t.Fatalf("parse url %q: %v", rawurl, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("port of %q: %v", rawurl, err)
	}
	return model.ProxyConfig{TargetURL: u.Hostname(), Port: port}
}

func apiDef(id string, proxy model.ProxyConfig, authType model.AuthType, endpoints ...model.Endpoint) model.APIDefinition {
	return model.APIDefinition{
		ID:       id,
		Name:     id,
		AuthType: authType,
		Proxy:    proxy,
		VersionData: map[string]model.Version{
			model.DefaultVersion: {Endpoints: endpoints},
		},
	}
}

func newTestGateway(t *testing.T, lim *ratelimit.Limiter, defs ...model.APIDefinition) (*Gateway, *recordingSink) {
	t.Helper()
	trk := tracker.New("node-a")
	t.Cleanup(trk.Close)
	reg := registry.New("node-a", trk)
	for _, def := range defs {
		if err := reg.AddAPI(def.ID, def); err != nil {
			t.Fatalf("seed %s: %v", def.ID, err)
		}
	}
	if lim == nil {
		lim = ratelimit.New(ratelimit.Config{RequestsPerSecond: 1000, Burst: 1000})
	}
	sink := &recordingSink{}
	gw := NewGateway(reg, lim, fwd.NewTransport(fwd.DefaultOptions()), sink,
		5*time.Second, io.Discard, config.AccessLogConfig{Sampling: 1}, nil)
	return gw, sink
}

func do(gw *Gateway, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)
	return rr
}

func decodeMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["message"]
}

func TestGateway_NoRoute(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	}))
	defer up.Close()

	gw, _ := newTestGateway(t, nil, apiDef("movies", proxyTo(t, up.URL), model.AuthNone,
		model.Endpoint{ID: "list", Method: "GET", Path: "/myapi/movies", NotSecured: true}))

	rr := do(gw, httptest.NewRequest("GET", "/nowhere", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rr.Code)
	}
	if msg := decodeMessage(t, rr); msg != "Route is not available" {
		t.Fatalf("message: got %q", msg)
	}
}

func TestGateway_AuthMissingToken(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	}))
	defer up.Close()

	gw, sink := newTestGateway(t, nil, apiDef("movies", proxyTo(t, up.URL), model.AuthJWT,
		model.Endpoint{ID: "list", Method: "GET", Path: "/myapi/movies"}))

	rr := do(gw, httptest.NewRequest("GET", "/myapi/movies", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rr.Code)
	}
	if msg := decodeMessage(t, rr); msg != "Missing or invalid token" {
		t.Fatalf("message: got %q", msg)
	}
	if len(sink.all()) != 0 {
		t.Fatal("rejected request must not be audited")
	}
}

func TestGateway_AuthHeaderToken(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	}))
	defer up.Close()

	gw, sink := newTestGateway(t, nil, apiDef("movies", proxyTo(t, up.URL), model.AuthJWT,
		model.Endpoint{ID: "list", Method: "GET", Path: "/myapi/movies"}))

	token, err := auth.Generate("alice", time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	req := httptest.NewRequest("GET", "/myapi/movies", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.RemoteAddr = "203.0.113.10:54321"

	rr := do(gw, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("audit events: got %d, want 1", len(events))
	}
	ev := events[0]
	if ev.APIID != "movies" || ev.EndpointID != "list" || ev.Method != "GET" {
		t.Fatalf("audit event: %+v", ev)
	}
	if ev.SourceIP != "203.0.113.10" {
		t.Fatalf("audit source ip: got %q", ev.SourceIP)
	}
	if ev.TokenSubject != "alice" {
		t.Fatalf("audit subject: got %q", ev.TokenSubject)
	}
}

func TestGateway_AuthQueryToken(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	}))
	defer up.Close()

	gw, _ := newTestGateway(t, nil, apiDef("movies", proxyTo(t, up.URL), model.AuthJWT,
		model.Endpoint{ID: "list", Method: "GET", Path: "/myapi/movies"}))

	token, err := auth.Generate("bob", time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	// the query value is whitespace-split; any verifying candidate passes
	req := httptest.NewRequest("GET", "/myapi/movies?token="+url.QueryEscape("garbage "+token), nil)
	rr := do(gw, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
}

func TestGateway_UnsecuredEndpointSkipsAuthAndAudit(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	}))
	defer up.Close()

	gw, sink := newTestGateway(t, nil, apiDef("status", proxyTo(t, up.URL), model.AuthJWT,
		model.Endpoint{ID: "status", Method: "GET", Path: "/status", NotSecured: true}))

	rr := do(gw, httptest.NewRequest("GET", "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if len(sink.all()) != 0 {
		t.Fatal("unauthenticated traffic must not be audited")
	}
}

func TestGateway_RateLimit(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	}))
	defer up.Close()

	lim := ratelimit.New(ratelimit.Config{RequestsPerSecond: 0.01, Burst: 1})
	gw, _ := newTestGateway(t, lim, apiDef("status", proxyTo(t, up.URL), model.AuthNone,
		model.Endpoint{ID: "status", Method: "GET", Path: "/status", NotSecured: true}))

	req := httptest.NewRequest("GET", "/status", nil)
	req.RemoteAddr = "1.2.3.4:1111"
	if rr := do(gw, req); rr.Code != http.StatusOK {
		t.Fatalf("first request: got %d, want 200", rr.Code)
	}

	req = httptest.NewRequest("GET", "/status", nil)
	req.RemoteAddr = "1.2.3.4:2222"
	rr := do(gw, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", rr.Code)
	}
	if msg := decodeMessage(t, rr); msg != "Too many requests." {
		t.Fatalf("message: got %q", msg)
	}

	// a different source ip has its own bucket
	req = httptest.NewRequest("GET", "/status", nil)
	req.RemoteAddr = "5.6.7.8:3333"
	if rr := do(gw, req); rr.Code != http.StatusOK {
		t.Fatalf("other ip: got %d, want 200", rr.Code)
	}
}

func TestGateway_MethodUnsupported(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	}))
	defer up.Close()

	gw, _ := newTestGateway(t, nil, apiDef("odd", proxyTo(t, up.URL), model.AuthNone,
		model.Endpoint{ID: "odd", Method: "TRACE", Path: "/odd", NotSecured: true}))

	rr := do(gw, httptest.NewRequest("TRACE", "/odd", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: got %d, want 405", rr.Code)
	}
}

func TestGateway_ForwardsQueryAndHeaders(t *testing.T) {
	var seenQuery url.Values
	var seenXFF, seenConn string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenQuery = r.URL.Query()
		seenXFF = r.Header.Get("X-Forwarded-For")
		seenConn = r.Header.Get("Connection")
		w.WriteHeader(200)
	}))
	defer up.Close()

	gw, _ := newTestGateway(t, nil, apiDef("movies", proxyTo(t, up.URL), model.AuthNone,
		model.Endpoint{ID: "list", Method: "GET", Path: "/myapi/movies", NotSecured: true}))

	req := httptest.NewRequest("GET", "/myapi/movies?genre=scifi&page=2", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("Connection", "keep-alive")

	if rr := do(gw, req); rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if seenQuery.Get("genre") != "scifi" || seenQuery.Get("page") != "2" {
		t.Fatalf("query not re-encoded: %v", seenQuery)
	}
	if seenXFF != "203.0.113.10" {
		t.Fatalf("X-Forwarded-For: got %q", seenXFF)
	}
	if seenConn != "" {
		t.Fatalf("hop-by-hop leaked: Connection=%q", seenConn)
	}
}

func TestGateway_FormBodyForwardedAsJSON(t *testing.T) {
	var seenType string
	var seenBody map[string]any
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&seenBody)
		w.WriteHeader(201)
	}))
	defer up.Close()

	gw, _ := newTestGateway(t, nil, apiDef("movies", proxyTo(t, up.URL), model.AuthNone,
		model.Endpoint{ID: "create", Method: "POST", Path: "/myapi/movies", NotSecured: true}))

	form := url.Values{"title": {"Alien"}, "year": {"1979"}}
	req := httptest.NewRequest("POST", "/myapi/movies", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rr := do(gw, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201", rr.Code)
	}
	if seenType != "application/json" {
		t.Fatalf("upstream content type: got %q", seenType)
	}
	if seenBody["title"] != "Alien" || seenBody["year"] != "1979" {
		t.Fatalf("upstream body: %v", seenBody)
	}
}

func TestGateway_MultipartUpload(t *testing.T) {
	var seenFilename, seenField, seenFile string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("upstream parse multipart: %v", err)
			w.WriteHeader(400)
			return
		}
		seenField = r.FormValue("title")
		file, fh, err := r.FormFile("qqfile")
		if err != nil {
			t.Errorf("upstream file part: %v", err)
			w.WriteHeader(400)
			return
		}
		defer func() { _ = file.Close() }()
		seenFilename = fh.Filename
		b, _ := io.ReadAll(file)
		seenFile = string(b)
		w.WriteHeader(200)
	}))
	defer up.Close()

	gw, _ := newTestGateway(t, nil, apiDef("uploads", proxyTo(t, up.URL), model.AuthNone,
		model.Endpoint{ID: "upload", Method: "POST", Path: "/uploads", NotSecured: true}))

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("title", "poster"); err != nil {
		t.Fatal(err)
	}
	part, err := mw.CreateFormFile("qqfile", "poster.png")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("png-bytes")); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/uploads", strings.NewReader(buf.String()))
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rr := do(gw, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if seenFilename != "poster.png" {
		t.Fatalf("filename: got %q", seenFilename)
	}
	if seenField != "poster" || seenFile != "png-bytes" {
		t.Fatalf("parts: field=%q file=%q", seenField, seenFile)
	}
}

func TestGateway_ChunkedResponseStreams(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f := w.(http.Flusher)
		for _, chunk := range []string{"alpha", "beta", "gamma"} {
			_, _ = io.WriteString(w, chunk)
			f.Flush()
		}
	}))
	defer up.Close()

	gw, _ := newTestGateway(t, nil, apiDef("stream", proxyTo(t, up.URL), model.AuthNone,
		model.Endpoint{ID: "stream", Method: "GET", Path: "/stream", NotSecured: true}))

	rr := do(gw, httptest.NewRequest("GET", "/stream", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if got := rr.Body.String(); got != "alphabetagamma" {
		t.Fatalf("body: got %q", got)
	}
	if !rr.Flushed {
		t.Fatal("chunked upstream body must be flushed while streaming")
	}
}

func TestGateway_EnvResolvedTarget(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	}))
	defer up.Close()

	proxy := proxyTo(t, up.URL)
	t.Setenv("TEST_BACKEND_HOST", proxy.TargetURL)

	gw, _ := newTestGateway(t, nil, apiDef("status", model.ProxyConfig{
		TargetURL: "TEST_BACKEND_HOST",
		Port:      proxy.Port,
		UseEnv:    true,
	}, model.AuthNone,
		model.Endpoint{ID: "status", Method: "GET", Path: "/status", NotSecured: true}))

	if rr := do(gw, httptest.NewRequest("GET", "/status", nil)); rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
}

func TestGateway_UpstreamDown(t *testing.T) {
	// grab a port nothing listens on
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	port, _ := strconv.Atoi(addr[strings.LastIndex(addr, ":")+1:])

	gw, _ := newTestGateway(t, nil, apiDef("dead", model.ProxyConfig{
		TargetURL: "127.0.0.1",
		Port:      port,
	}, model.AuthNone,
		model.Endpoint{ID: "dead", Method: "GET", Path: "/dead", NotSecured: true}))

	rr := do(gw, httptest.NewRequest("GET", "/dead", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", rr.Code)
	}
	if msg := decodeMessage(t, rr); msg != "Upstream is not available" {
		t.Fatalf("message: got %q", msg)
	}
}

func TestResolveTarget(t *testing.T) {
	if got := resolveTarget(model.ProxyConfig{TargetURL: "backend", Port: 3000}); got != "backend:3000" {
		t.Fatalf("literal: got %q", got)
	}
	t.Setenv("SOME_HOST", "resolved")
	if got := resolveTarget(model.ProxyConfig{TargetURL: "SOME_HOST", Port: 80, UseEnv: true}); got != "resolved:80" {
		t.Fatalf("env: got %q", got)
	}
	if got := resolveTarget(model.ProxyConfig{TargetURL: "UNSET_HOST_VAR", Port: 80, UseEnv: true}); got != "localhost:80" {
		t.Fatalf("env fallback: got %q", got)
	}
}
