package httpapi

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pocketllm/internal/apperr"
	"pocketllm/internal/auth"
	"pocketllm/internal/metrics"
)

const headerRequestID = "X-Request-Id"

// requestContext stamps every request with an id, a start time and a logger.
func requestContext(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()
			w.Header().Set(headerRequestID, id)
			logger := base.With().Str("request_id", id).Logger()
			ctx := withRequestInfo(r.Context(), requestInfo{id: id, start: time.Now()})
			ctx = logger.WithContext(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			zerolog.Ctx(r.Context()).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			writeStatus(w, r, http.StatusInternalServerError, apperr.MsgInternal)
		}()
		next.ServeHTTP(w, r)
	})
}

func bodyLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func limitByIP(perMinute int, m *metrics.Metrics) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			m.RateLimited.WithLabelValues("ip").Inc()
			writeStatus(w, r, http.StatusTooManyRequests, "too many requests")
		}),
	)
}

func accessLog(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			zerolog.Ctx(r.Context()).Info().
				Str("method", r.Method).
				Str("route", route).
				Str("remote_ip", r.RemoteAddr).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", elapsed).
				Msg("http request")
		})
	}
}

// authenticate rejects requests without a valid bearer token. The reason is
// logged, the caller only sees "unauthorized".
func authenticate(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := zerolog.Ctx(r.Context())
			raw, err := auth.BearerToken(r.Header.Get("Authorization"))
			if err == nil {
				var id auth.Identity
				id, err = v.Verify(r.Context(), raw)
				if err == nil {
					logger := log.With().Str("user_id", id.UserID).Logger()
					ctx := auth.WithIdentity(logger.WithContext(r.Context()), id)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			log.Info().Err(err).Msg("authentication failed")
			writeStatus(w, r, http.StatusUnauthorized, apperr.MsgUnauthorized)
		})
	}
}

func userID(r *http.Request) string {
	id, _ := auth.FromContext(r.Context())
	return id.UserID
}
