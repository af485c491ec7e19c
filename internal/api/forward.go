package api

import (
	"context"
	"io"
	"net/http"
)

// PassthroughForwarder performs the upstream hop for unclaimed exchanges.
type PassthroughForwarder struct {
	// Transport overrides http.DefaultTransport when set.
	Transport http.RoundTripper
}

// hop-by-hop headers that must not be forwarded upstream.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forward round-trips the request upstream with proxy header hygiene.
func (f *PassthroughForwarder) Forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	rt := f.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(out)
}

// Interceptor drives one exchange through the plugin pipeline.
type Interceptor interface {
	Intercept(ctx context.Context, req *http.Request) (*http.Response, error)
}

// InterceptHandler adapts the exchange pipeline to a plain HTTP listener:
// each incoming request runs through the pipeline and the resulting
// response, upstream or plugin-synthesized, is relayed to the client.
func InterceptHandler(core Interceptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := core.Intercept(r.Context(), r)
		if err != nil {
			http.Error(w, "proxy error: "+err.Error(), http.StatusBadGateway)
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
}
