// Package httpapi is the HTTP surface of the service: authentication flows,
// the facility registry and facility user management.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"vaxtrack.org/internal/audit"
	"vaxtrack.org/internal/obs"
	"vaxtrack.org/internal/otp"
	"vaxtrack.org/internal/rbac"
)

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks backing services for the readiness endpoint.
type ReadyProbe struct {
	DB    Pinger
	Redis Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *rbac.Service
	otp        *otp.Store
	readyProbe ReadyProbe
	version    string

	// sendOTP delivers a code to a mobile number. The default logs the
	// delivery event; production wires an SMS provider here.
	sendOTP func(ctx context.Context, mobile, code string) error
}

// Option configures the API.
type Option func(*API)

// WithOTPSender overrides one-time password delivery.
func WithOTPSender(send func(ctx context.Context, mobile, code string) error) Option {
	return func(a *API) {
		if send != nil {
			a.sendOTP = send
		}
	}
}

func New(svc *rbac.Service, otpStore *otp.Store, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		otp:        otpStore,
		readyProbe: rp,
		version:    version,
		sendOTP: func(ctx context.Context, mobile, code string) error {
			return audit.LogEvent(ctx, "otp.delivery.logged", map[string]any{"mobile_number": mobile})
		},
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.healthz)
	a.mux.HandleFunc("/readyz", a.ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/otp/request", a.handleOTPRequest)
	a.mux.HandleFunc("/v1/auth/otp/verify", a.handleOTPVerify)
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/bootstrap", a.handleBootstrap)

	a.mux.HandleFunc("/v1/me", a.handleMe)
	a.mux.HandleFunc("/v1/facilities", a.handleFacilities)
	a.mux.HandleFunc("/v1/facilities/", a.handleFacilityScoped)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 20, 10)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "vaxtrack-api",
		"version": a.version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// accessDenied is the single denial response. The reason stays server-side:
// clients learn nothing about which scope or role check failed.
func accessDenied(w http.ResponseWriter, r *http.Request, d rbac.Decision) {
	obs.CountAuthzDecision(string(d.Reason))
	_ = audit.LogEvent(r.Context(), "authz.denied", map[string]any{
		"reason": string(d.Reason),
		"path":   r.URL.Path,
		"method": r.Method,
	})
	if d.Reason == rbac.DenyUnauthenticated {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	writeError(w, r, http.StatusForbidden, "access denied")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rbac.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, rbac.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, rbac.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	default:
		writeError(w, r, http.StatusInternalServerError, "operation failed")
	}
}
