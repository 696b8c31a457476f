package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	scontext "github.com/stagehand/stagehand/pkg/context"
	"github.com/stagehand/stagehand/pkg/logger"
)

const requestIDHeader = "X-Request-Id"

// requestContext seeds the request id, the actor and the start time
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := scontext.WithRequestID(r.Context(), strings.TrimSpace(r.Header.Get(requestIDHeader)))
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			ctx = scontext.WithActor(ctx, actor)
		}
		ctx = scontext.WithOperation(ctx, r.Method+" "+r.URL.Path)
		ctx = scontext.WithStartTime(ctx, time.Now())

		w.Header().Set(requestIDHeader, scontext.GetRequestID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		log := logger.WithContext(r.Context(), s.logger)
		fields := []logger.Field{
			logger.WithField("status", status),
			logger.WithField("bytes", ww.BytesWritten()),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("HTTP request", fields...)
			return
		}
		log.Debug("HTTP request", fields...)
	})
}
