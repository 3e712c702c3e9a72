package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"

	"flexllama/internal/catalog"
	"flexllama/internal/health"
)

// forwardResult pairs an upstream response with its in-flight release.
type forwardResult struct {
	resp    *http.Response
	release func()
}

// dispatch builds the handler for one OpenAI endpoint. It reads just
// enough of the body to route ("model", "stream"), then forwards the
// payload verbatim.
func (s *server) dispatch(path string, require *catalog.Kind, allowStream bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", "invalid_request")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body", "invalid_request")
			return
		}
		var probe struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.Unmarshal(body, &probe); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON", "invalid_request")
			return
		}

		alias, err := s.svc.ResolveAlias(probe.Model)
		if err != nil {
			writeError(w, err)
			return
		}
		if require != nil {
			if err := s.svc.RequireKind(alias, *require); err != nil {
				writeError(w, err)
				return
			}
		}

		if probe.Stream && allowStream {
			s.forwardStreaming(w, r, alias, path, body)
			return
		}
		s.forwardBuffered(w, r, alias, path, body)
	}
}

// forwardWithRetry runs prepare+forward under the retry policy. Retries
// happen only for "model still loading" shapes: an upstream 503 with the
// loading marker, a connection failure right after ensure, or a runner
// that was swapped out underneath the request. Nothing has been written
// to the client when this returns.
func (s *server) forwardWithRetry(ctx context.Context, alias, path string, body []byte, hdr http.Header) (forwardResult, error) {
	attempts := uint(1)
	if s.cfg.Retry.RetryOnModelLoading {
		attempts = uint(s.cfg.Retry.MaxRetries) + 1
	}
	return retry.DoWithData(func() (forwardResult, error) {
		return s.attemptForward(ctx, alias, path, body, hdr)
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(time.Duration(s.cfg.Retry.BaseDelaySeconds*float64(time.Second))),
		retry.MaxDelay(time.Duration(s.cfg.Retry.MaxDelaySeconds*float64(time.Second))),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			retriesTotal.WithLabelValues(alias).Inc()
			s.log.Info().Uint("attempt", n+1).Str("model", alias).Err(err).Msg("retrying upstream call")
		}),
	)
}

func retryable(err error) bool {
	return isModelLoading(err) || runnerIsTransient(err)
}

func (s *server) attemptForward(ctx context.Context, alias, path string, body []byte, hdr http.Header) (forwardResult, error) {
	if err := s.svc.Prepare(ctx, alias); err != nil {
		return forwardResult{}, err
	}
	resp, release, err := s.svc.Forward(ctx, alias, path, body, hdr)
	if err != nil {
		return forwardResult{}, err
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		release()
		if health.IsLoadingBody(b) {
			return forwardResult{}, errModelLoading("upstream model is still loading")
		}
		// A non-loading 503 is passed through verbatim.
		resp.Body = io.NopCloser(bytes.NewReader(b))
		return forwardResult{resp: resp, release: func() {}}, nil
	}
	return forwardResult{resp: resp, release: release}, nil
}

// forwardBuffered relays a non-streaming request: full upstream body in,
// full body out, status and content-type preserved.
func (s *server) forwardBuffered(w http.ResponseWriter, r *http.Request, alias, path string, body []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout())
	defer cancel()

	res, err := s.forwardWithRetry(ctx, alias, path, body, r.Header)
	if err != nil {
		writeError(w, err)
		return
	}
	defer res.release()
	defer res.resp.Body.Close()

	b, err := io.ReadAll(res.resp.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	ct := res.resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(res.resp.StatusCode)
	_, _ = w.Write(b)
}

// forwardStreaming relays server-sent-event frames byte-for-byte. Retries
// are allowed only until the upstream response is accepted; after the
// first byte reaches the client the stream is never replayed.
func (s *server) forwardStreaming(w http.ResponseWriter, r *http.Request, alias, path string, body []byte) {
	ctx := r.Context()
	if st := s.cfg.StreamingTimeout(); st > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st)
		defer cancel()
	}

	res, err := s.forwardWithRetry(ctx, alias, path, body, r.Header)
	if err != nil {
		writeError(w, err)
		return
	}
	defer res.release()
	defer res.resp.Body.Close()

	if res.resp.StatusCode != http.StatusOK {
		// Error responses are small; buffer and forward them like a
		// non-streaming reply.
		b, _ := io.ReadAll(io.LimitReader(res.resp.Body, maxBodyBytes))
		ct := res.resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(res.resp.StatusCode)
		_, _ = w.Write(b)
		return
	}

	ct := res.resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/event-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 8192)
	for {
		n, rerr := res.resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away; the deferred release and the
				// request context cancel the upstream call.
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				s.log.Debug().Err(rerr).Str("model", alias).Msg("stream ended early")
			}
			return
		}
	}
}
