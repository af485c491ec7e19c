package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPassthroughForwarderStripsHopHeaders(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/path", nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("X-Custom", "kept")

	f := &PassthroughForwarder{}
	resp, err := f.Forward(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if seen.Get("Proxy-Connection") != "" || seen.Get("Proxy-Authorization") != "" {
		t.Error("hop-by-hop headers must not reach upstream")
	}
	if seen.Get("X-Custom") != "kept" {
		t.Error("end-to-end headers must be forwarded")
	}
}

type fakeInterceptor struct {
	resp *http.Response
	err  error
}

func (f *fakeInterceptor) Intercept(_ context.Context, _ *http.Request) (*http.Response, error) {
	return f.resp, f.err
}

func TestInterceptHandlerRelaysResponse(t *testing.T) {
	h := InterceptHandler(&fakeInterceptor{
		resp: &http.Response{
			StatusCode: http.StatusTeapot,
			Header:     http.Header{"X-Mocked": []string{"yes"}},
			Body:       io.NopCloser(strings.NewReader("short and stout")),
		},
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "https://api.example.com/teapot", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("got %d, want 418", w.Code)
	}
	if w.Header().Get("X-Mocked") != "yes" {
		t.Error("response headers not relayed")
	}
	if w.Body.String() != "short and stout" {
		t.Errorf("got body %q", w.Body.String())
	}
}

func TestInterceptHandlerUpstreamFailure(t *testing.T) {
	h := InterceptHandler(&fakeInterceptor{err: errors.New("connection refused")})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "https://api.example.com/x", nil))

	if w.Code != http.StatusBadGateway {
		t.Errorf("got %d, want 502", w.Code)
	}
}
