// Package api provides the HTTP control surface of a running proxy
// instance. It wraps the core's plain functions in a small chi router so
// the CLI (and anything else on the loopback) can toggle recording, raise
// mock requests, mint tokens and fetch the root certificate.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferro-labs/devproxy/internal/logging"
)

// ProxyControl is the slice of the proxy core the API needs.
type ProxyControl interface {
	Recording() bool
	StartRecording()
	StopRecording(ctx context.Context) error
	MockRequest(ctx context.Context, method, url string) (*http.Response, error)
	IssueToken(claims map[string]interface{}, ttl time.Duration) (string, error)
	RootCertPEM() ([]byte, error)
}

// Server holds dependencies for the control API handlers.
type Server struct {
	Proxy ProxyControl
	// RequestStop asks the host process to shut down gracefully. Optional.
	RequestStop func()
}

// Routes returns a chi.Router with all control endpoints mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(logging.Middleware)

	r.Get("/proxy", s.getState)
	r.Post("/proxy", s.setState)
	r.Post("/proxy/stop", s.stop)
	r.Post("/proxy/mockrequest", s.mockRequest)
	r.Post("/proxy/jwtToken", s.jwtToken)
	r.Get("/proxy/rootCertificate", s.rootCertificate)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type stateBody struct {
	Recording bool `json:"recording"`
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stateBody{Recording: s.Proxy.Recording()})
}

// setState toggles the recording session. Turning recording off flushes the
// collected entries before responding, so a caller sequencing record/stop
// sees the reporters run.
func (s *Server) setState(w http.ResponseWriter, r *http.Request) {
	var body stateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case body.Recording && !s.Proxy.Recording():
		s.Proxy.StartRecording()
	case !body.Recording && s.Proxy.Recording():
		if err := s.Proxy.StopRecording(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "flushing recording failed: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, stateBody{Recording: s.Proxy.Recording()})
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	if s.RequestStop == nil {
		writeError(w, http.StatusNotImplemented, "stop not supported")
		return
	}
	w.WriteHeader(http.StatusAccepted)
	go s.RequestStop()
}

type mockRequestBody struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// mockRequest pushes a synthetic exchange through the plugin pipeline and
// relays the synthesized response. An exchange no plugin claims is reported
// as 404 rather than forwarded to the network.
func (s *Server) mockRequest(w http.ResponseWriter, r *http.Request) {
	var body mockRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		writeError(w, http.StatusBadRequest, "method and url are required")
		return
	}
	if body.Method == "" {
		body.Method = http.MethodGet
	}

	resp, err := s.Proxy.MockRequest(r.Context(), body.Method, body.URL)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

type jwtTokenBody struct {
	Claims       map[string]interface{} `json:"claims"`
	ValidSeconds int                    `json:"validSeconds"`
}

func (s *Server) jwtToken(w http.ResponseWriter, r *http.Request) {
	var body jwtTokenBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ttl := time.Duration(body.ValidSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	token, err := s.Proxy.IssueToken(body.Claims, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) rootCertificate(w http.ResponseWriter, r *http.Request) {
	if format := r.URL.Query().Get("format"); format != "" && format != "pem" {
		writeError(w, http.StatusBadRequest, "unsupported format: "+format)
		return
	}
	pem, err := s.Proxy.RootCertPEM()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(pem)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
