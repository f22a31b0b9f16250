package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/rat-data/agentd/internal/idempotency"
)

// bufferedResponseWriter captures a handler's response so it can be cached
// for idempotent replay after the handler returns.
type bufferedResponseWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bufferedResponseWriter) WriteHeader(status int) {
	b.status = status
	b.ResponseWriter.WriteHeader(status)
}

func (b *bufferedResponseWriter) Write(p []byte) (int, error) {
	b.body.Write(p)
	return b.ResponseWriter.Write(p)
}

// IdempotencyMiddleware implements the Idempotency-Key contract of spec 4.9
// for mutating requests: a request carrying the header is fingerprinted on
// (method, path, key, body); a replay with a matching fingerprint returns
// the original cached response verbatim, and a replay with a different body
// is rejected as IDEMPOTENCY_KEY_REUSED. Requests without the header, and
// all GETs, pass through untouched.
func IdempotencyMiddleware(gw *idempotency.Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if gw == nil || key == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				errorJSONForRequest(w, r, "request body too large", CodePayloadTooLarge, http.StatusRequestEntityTooLarge)
				return
			}
			if err != nil {
				errorJSONForRequest(w, r, "failed to read request body", CodeValidation, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fp := idempotency.Fingerprint(body)
			if rec, ok, err := gw.Check(r.Method, r.URL.Path, key, fp); err != nil {
				errorJSONForRequest(w, r, "idempotency key reused with a different request body", CodeIdempotencyReused, http.StatusConflict)
				return
			} else if ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(rec.StatusCode)
				_, _ = w.Write(rec.Body)
				return
			}

			buf := &bufferedResponseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(buf, r)
			gw.Store(r.Method, r.URL.Path, key, fp, buf.status, buf.body.Bytes())
		})
	}
}
