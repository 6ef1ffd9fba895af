package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/uchit66/reactive-interaction-gateway/internal/audit"
	"github.com/uchit66/reactive-interaction-gateway/internal/auth"
	"github.com/uchit66/reactive-interaction-gateway/internal/config"
	"github.com/uchit66/reactive-interaction-gateway/internal/metrics"
	"github.com/uchit66/reactive-interaction-gateway/internal/model"
	"github.com/uchit66/reactive-interaction-gateway/internal/ratelimit"
	"github.com/uchit66/reactive-interaction-gateway/internal/registry"
)

var errMethodUnsupported = errors.New("method unsupported")

// Gateway is the proxy surface: it matches each request against the
// registry's current route table, applies the rate-limit and auth gates,
// forwards upstream and streams the response back.
type Gateway struct {
	Registry        *registry.Registry
	Limiter         *ratelimit.Limiter
	Transport       http.RoundTripper
	Audit           audit.Sink
	Metrics         *metrics.Registry
	AccessLog       io.Writer
	AccessLogConfig config.AccessLogConfig
	UpstreamTimeout time.Duration
}

var _ http.Handler = (*Gateway)(nil)

// NewGateway wires the proxy handler.
func NewGateway(reg *registry.Registry, lim *ratelimit.Limiter, tr http.RoundTripper, sink audit.Sink, upstreamTimeout time.Duration, accessLog io.Writer, alc config.AccessLogConfig, m *metrics.Registry) *Gateway {
	if accessLog == nil {
		accessLog = io.Discard
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Gateway{
		Registry:        reg,
		Limiter:         lim,
		Transport:       tr,
		Audit:           sink,
		Metrics:         m,
		AccessLog:       accessLog,
		AccessLogConfig: alc,
		UpstreamTimeout: upstreamTimeout,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	var apiID, endpointID string
	var upstreamLatency time.Duration
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		g.writeAccessLog(r, start, status, duration, apiID, endpointID, lw.bytes)
		if g.Metrics != nil {
			g.Metrics.IncRequest(apiID, endpointID, r.Method, strconv.Itoa(status))
			if upstreamLatency > 0 {
				g.Metrics.ObserveLatency(apiID, endpointID, upstreamLatency)
			}
		}
	}()

	api, ep := g.Registry.Table().Match(r.Method, r.URL.Path)
	if api == nil {
		writeError(lw, http.StatusNotFound, "Route is not available")
		return
	}
	apiID, endpointID = api.ID, ep.ID

	target := resolveTarget(api.Proxy)
	sourceIP := clientIP(r.RemoteAddr)

	if !g.Limiter.RequestPassage(target, sourceIP) {
		writeError(lw, http.StatusTooManyRequests, "Too many requests.")
		return
	}

	subject, ok := authorize(api, ep, r)
	if !ok {
		writeError(lw, http.StatusUnauthorized, "Missing or invalid token")
		return
	}

	ctx := r.Context()
	if g.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.UpstreamTimeout)
		defer cancel()
	}

	upReq, err := buildUpstream(ctx, r, target)
	if err != nil {
		if errors.Is(err, errMethodUnsupported) {
			writeError(lw, http.StatusMethodNotAllowed, "Method is not supported")
			return
		}
		writeError(lw, http.StatusBadRequest, "Malformed request")
		return
	}

	upstreamStart := time.Now()
	resUp, err := g.Transport.RoundTrip(upReq)
	upstreamLatency = time.Since(upstreamStart)
	if err != nil {
		log.Printf("upstream error: %v", err)
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			writeError(lw, http.StatusGatewayTimeout, "Upstream timed out")
		} else {
			writeError(lw, http.StatusBadGateway, "Upstream is not available")
		}
		return
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			log.Printf("error closing upstream body: %v", err)
		}
	}(resUp.Body)

	chunked := isChunked(resUp)
	dropHopByHop(resUp.Header)
	copyHeaders(lw.Header(), resUp.Header)
	lw.WriteHeader(resUp.StatusCode)

	if chunked {
		streamBody(lw, resUp.Body)
	} else {
		_, _ = io.Copy(lw, resUp.Body)
	}

	if secured(ep) {
		g.Audit.Publish(audit.Event{
			APIID:        api.ID,
			EndpointID:   ep.ID,
			Method:       r.Method,
			Path:         r.URL.Path,
			SourceIP:     sourceIP,
			Timestamp:    start,
			TokenSubject: subject,
		})
	}
}

// --- gates ---

func secured(ep *model.Endpoint) bool {
	return !ep.NotSecured
}

// authorize passes unsecured endpoints through and otherwise accepts the
// request iff any presented token verifies. The returned subject feeds the
// audit event.
func authorize(api *model.APIDefinition, ep *model.Endpoint, r *http.Request) (string, bool) {
	if !secured(ep) {
		return "", true
	}
	for _, tok := range collectTokens(api.Auth, r) {
		if subject, err := auth.Verify(tok); err == nil {
			return subject, true
		}
	}
	return "", false
}

// collectTokens gathers candidates from the auth header(s) and the query
// parameter (whitespace-split). A zero-value auth config means both
// sources with their default names.
func collectTokens(ac model.AuthConfig, r *http.Request) []string {
	useHeader, useQuery := ac.UseHeader, ac.UseQuery
	if !useHeader && !useQuery {
		useHeader, useQuery = true, true
	}
	var tokens []string
	if useHeader {
		name := ac.HeaderName
		if name == "" {
			name = "Authorization"
		}
		for _, v := range r.Header.Values(name) {
			v = strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
			if v != "" {
				tokens = append(tokens, v)
			}
		}
	}
	if useQuery {
		name := ac.QueryName
		if name == "" {
			name = "token"
		}
		for _, v := range r.URL.Query()[name] {
			tokens = append(tokens, strings.Fields(v)...)
		}
	}
	return tokens
}

// --- upstream request construction ---

// resolveTarget yields the backend host:port. When UseEnv is set,
// TargetURL names an environment variable holding the host; localhost is
// the fallback.
func resolveTarget(p model.ProxyConfig) string {
	host := p.TargetURL
	if p.UseEnv {
		host = os.Getenv(p.TargetURL)
		if host == "" {
			host = "localhost"
		}
	}
	if p.Port <= 0 {
		return host
	}
	return fmt.Sprintf("%s:%d", host, p.Port)
}

func buildUpstream(ctx context.Context, r *http.Request, target string) (*http.Request, error) {
	u := &url.URL{Scheme: "http", Host: target, Path: r.URL.Path}

	var (
		upReq *http.Request
		err   error
	)
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodDelete:
		// body-less: parameters are re-encoded onto the url
		u.RawQuery = r.URL.Query().Encode()
		upReq, err = http.NewRequestWithContext(ctx, r.Method, u.String(), nil)
		if err != nil {
			return nil, err
		}
		upReq.Header = forwardHeaders(r)
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		ct := r.Header.Get("Content-Type")
		if r.Method == http.MethodPost && strings.HasPrefix(ct, "multipart/form-data") {
			return buildMultipart(ctx, r, u)
		}
		body, bodyType, berr := jsonBody(r, ct)
		if berr != nil {
			return nil, berr
		}
		upReq, err = http.NewRequestWithContext(ctx, r.Method, u.String(), body)
		if err != nil {
			return nil, err
		}
		upReq.Header = forwardHeaders(r)
		if bodyType != "" {
			upReq.Header.Set("Content-Type", bodyType)
		}
	default:
		return nil, errMethodUnsupported
	}

	upReq.Host = target
	return upReq, nil
}

// jsonBody turns the parsed request parameters into the upstream body.
// Form bodies are re-serialized as JSON; JSON and unrecognized bodies pass
// through untouched.
func jsonBody(r *http.Request, contentType string) (io.Reader, string, error) {
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, "", err
		}
		params := make(map[string]any, len(r.PostForm))
		for k, vs := range r.PostForm {
			if len(vs) == 1 {
				params[k] = vs[0]
			} else {
				params[k] = vs
			}
		}
		b, err := json.Marshal(params)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(b), "application/json", nil
	}
	if r.Body == nil {
		return nil, "", nil
	}
	return r.Body, "", nil
}

// fileField is the conventional multipart key carrying an upload.
const fileField = "qqfile"

func buildMultipart(ctx context.Context, r *http.Request, u *url.URL) (*http.Request, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, err
	}
	file, fh, err := r.FormFile(fileField)
	if err != nil {
		// no file part: treat the fields as plain parameters
		params := make(map[string]any)
		for k, vs := range r.MultipartForm.Value {
			if len(vs) == 1 {
				params[k] = vs[0]
			} else {
				params[k] = vs
			}
		}
		b, merr := json.Marshal(params)
		if merr != nil {
			return nil, merr
		}
		upReq, rerr := http.NewRequestWithContext(ctx, r.Method, u.String(), bytes.NewReader(b))
		if rerr != nil {
			return nil, rerr
		}
		upReq.Header = forwardHeaders(r)
		upReq.Header.Set("Content-Type", "application/json")
		upReq.Host = u.Host
		return upReq, nil
	}
	defer func() {
		_ = file.Close()
	}()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, vs := range r.MultipartForm.Value {
		for _, v := range vs {
			if err := mw.WriteField(k, v); err != nil {
				return nil, err
			}
		}
	}
	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, fh.Filename))
	if ct := fh.Header.Get("Content-Type"); ct != "" {
		partHeader.Set("Content-Type", ct)
	}
	part, err := mw.CreatePart(partHeader)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	upReq, err := http.NewRequestWithContext(ctx, r.Method, u.String(), &buf)
	if err != nil {
		return nil, err
	}
	upReq.Header = forwardHeaders(r)
	upReq.Header.Set("Content-Type", mw.FormDataContentType())
	upReq.Host = u.Host
	return upReq, nil
}

func forwardHeaders(r *http.Request) http.Header {
	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)
	return hdr
}

// --- response ---

// isChunked reports whether the upstream declared chunked transfer,
// matching "chunked" case-insensitively anywhere in the header value.
func isChunked(res *http.Response) bool {
	for _, te := range res.TransferEncoding {
		if strings.Contains(strings.ToLower(te), "chunked") {
			return true
		}
	}
	for _, te := range res.Header.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(te), "chunked") {
			return true
		}
	}
	return false
}

// streamBody relays the upstream body chunk by chunk, flushing after each
// read so the client sees data as it arrives.
func streamBody(w io.Writer, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func clientIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return remoteAddr
	}
	return ip
}

// --- access log ---

type AccessLog struct {
	Time         time.Time `json:"time"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	API          string    `json:"api,omitempty"`
	Endpoint     string    `json:"endpoint,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
}

func (g *Gateway) writeAccessLog(r *http.Request, start time.Time, status int, duration time.Duration, apiID, endpointID string, bytesWritten int64) {
	if g.AccessLogConfig.Sampling < 1.0 && rand.Float64() > g.AccessLogConfig.Sampling {
		return
	}
	entry := AccessLog{
		Time:         start,
		Method:       r.Method,
		Path:         r.URL.Path,
		Protocol:     r.Proto,
		Status:       status,
		Duration:     duration.Milliseconds(),
		RemoteIP:     r.RemoteAddr,
		UserAgent:    r.UserAgent(),
		API:          apiID,
		Endpoint:     endpointID,
		BytesWritten: bytesWritten,
	}

	var logOutput any = entry
	if len(g.AccessLogConfig.Fields) > 0 {
		allowed := make(map[string]bool)
		for _, f := range g.AccessLogConfig.Fields {
			allowed[f] = true
		}
		m := make(map[string]any)
		if allowed["time"] {
			m["time"] = entry.Time
		}
		if allowed["method"] {
			m["method"] = entry.Method
		}
		if allowed["path"] {
			m["path"] = entry.Path
		}
		if allowed["protocol"] {
			m["protocol"] = entry.Protocol
		}
		if allowed["status"] {
			m["status"] = entry.Status
		}
		if allowed["duration_ms"] {
			m["duration_ms"] = entry.Duration
		}
		if allowed["remote_ip"] {
			m["remote_ip"] = entry.RemoteIP
		}
		if allowed["user_agent"] {
			m["user_agent"] = entry.UserAgent
		}
		if allowed["api"] {
			m["api"] = entry.API
		}
		if allowed["endpoint"] {
			m["endpoint"] = entry.Endpoint
		}
		if allowed["bytes_written"] {
			m["bytes_written"] = entry.BytesWritten
		}
		logOutput = m
	}

	if err := json.NewEncoder(g.AccessLog).Encode(logOutput); err != nil {
		log.Printf("access log: %v", err)
	}
}

// --- header helpers ---

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
