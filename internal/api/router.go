// Package api implements agentd's HTTP surface: chi-routed handlers over
// the domain services (flows, threads, messages, pipelines, schema
// channels) plus the ambient stack (health, metrics, request logging,
// CORS, rate limiting, auth) every service in this codebase carries.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rat-data/agentd/internal/auth"
	"github.com/rat-data/agentd/internal/domain"
)

const (
	maxJSONBodySize     = 1 << 20 // 1 MiB, per MAX_JSON_SIZE default
	maxMessageTextLen   = 4000
	maxSlugLength       = 128
)

var validSlugRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,126}[a-z0-9])?$`)

func validSlug(s string) bool {
	return s != "" && len(s) <= maxSlugLength && validSlugRe.MatchString(s)
}

// Error taxonomy codes, per spec 7.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeValidation          = "VALIDATION_ERROR"
	CodeIdempotencyReused   = "IDEMPOTENCY_KEY_REUSED"
	CodePublishConflict     = "PIPELINE_PUBLISH_CONFLICT"
	CodeDuplicate           = "DUPLICATE"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeSchemaChannelMissing    = "SCHEMA_CHANNEL_MISSING"
	CodeSchemaDefinitionMissing = "SCHEMA_DEFINITION_MISSING"
	CodeInternal            = "INTERNAL"
)

// APIError is the uniform error envelope returned by every non-2xx
// response: {"error": {"code", "message", "details": [...]}}.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail carries the stable error code, a human-readable message,
// and optional free-form details (e.g. the request path/method).
type APIErrorDetail struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// writeJSON marshals v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorJSON writes the uniform error envelope.
func errorJSON(w http.ResponseWriter, message, code string, status int, details ...string) {
	writeJSON(w, status, APIError{Error: APIErrorDetail{Code: code, Message: message, Details: details}})
}

// errorJSONForRequest writes the uniform error envelope with the request's
// method and path appended to details, per spec 7's propagation policy.
func errorJSONForRequest(w http.ResponseWriter, r *http.Request, message, code string, status int) {
	errorJSON(w, message, code, status, r.Method+" "+r.URL.Path)
}

// statusForDomainErr maps a domain sentinel error to its HTTP status and
// taxonomy code. Store errors not matching a known sentinel map to 500.
func statusForDomainErr(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, CodeDuplicate
	case errors.Is(err, domain.ErrPublishConflict):
		return http.StatusConflict, CodePublishConflict
	case errors.Is(err, domain.ErrSchemaChannelMissing):
		return http.StatusServiceUnavailable, CodeSchemaChannelMissing
	case errors.Is(err, domain.ErrSchemaDefinitionMissing):
		return http.StatusServiceUnavailable, CodeSchemaDefinitionMissing
	case errors.Is(err, domain.ErrValidationFailed):
		return http.StatusUnprocessableEntity, CodeValidation
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// respondDomainErr translates a store/service error into the uniform error
// envelope, logging unexpected (500-class) errors at Error level.
func respondDomainErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForDomainErr(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		LoggerFromContext(r.Context()).Error("api: internal error", "error", err, "path", r.URL.Path)
		msg = "internal error"
	}
	errorJSONForRequest(w, r, msg, code, status)
}

// limitJSONBody wraps the request body with http.MaxBytesReader so an
// oversized payload fails fast with 413 instead of exhausting memory.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		next.ServeHTTP(w, r)
	})
}

// securityHeaders sets a conservative baseline of response headers common
// to every route, ambient and domain alike.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// decodeJSON decodes the request body into v, rejecting unknown fields and
// responding with a VALIDATION_ERROR envelope on failure. Returns false if
// the response has already been written.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorJSONForRequest(w, r, "request body too large", CodePayloadTooLarge, http.StatusRequestEntityTooLarge)
			return false
		}
		errorJSONForRequest(w, r, "invalid request body: "+err.Error(), CodeValidation, http.StatusUnprocessableEntity)
		return false
	}
	return true
}

// parseLimitOffset parses ?limit=&offset= query params with sane defaults
// and bounds, used by the thread-listing style endpoints.
func parseLimitOffset(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// NewRouter wires every route this service exposes. Middleware ordering
// mirrors the teacher's NewRouter: CORS and security headers first, then
// request ID / real IP / structured logging / panic recovery, then the
// mutating-request body limit and optional auth on the versioned API group.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   srv.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "Idempotency-Key", "Last-Event-ID"},
		ExposedHeaders:   []string{"RateLimit-Limit", "RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)
	r.Get("/metrics", srv.HandleMetrics)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(limitJSONBody)
		if srv.RateLimit.RequestsPerSecond > 0 {
			_, mw := RateLimit(srv.RateLimit)
			api.Use(mw)
		}
		api.Use(auth.APIKey(srv.AuthToken))
		api.Use(IdempotencyMiddleware(srv.Idempotent))

		api.Post("/flows", srv.HandleCreateFlow)
		api.Get("/flows/{flowID}", srv.HandleGetFlow)
		api.Post("/flows/{flowID}/threads", srv.HandleCreateThread)

		api.Get("/threads/{threadID}", srv.HandleGetThread)
		api.Get("/threads/{threadID}/events", srv.HandleThreadEvents)
		api.Post("/threads/{threadID}/messages", srv.HandlePostMessage)
		api.Post("/threads/{threadID}/agent/run", srv.HandleTriggerRun)
		api.Post("/threads/{threadID}/close", srv.HandleCloseThread)

		api.Post("/pipelines/{pipelineID}/publish", srv.HandlePublishPipeline)

		api.Get("/schema-channels/{name}", srv.HandleGetSchemaChannel)
	})

	return r
}
