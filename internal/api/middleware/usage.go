package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ollamaverse/tokengate/internal/core"
	"github.com/ollamaverse/tokengate/internal/model"
)

// UsageRecorder returns middleware that records a usage event for every
// authenticated request, including rejected ones, after the response is
// written. Recording is fire-and-forget: a slow or failing usage store
// never delays or fails the request being served.
func UsageRecorder(usage *core.UsageService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromContext(r.Context())
			if token == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			cw := &countingWriter{statusWriter: statusWriter{ResponseWriter: w, status: http.StatusOK}}
			next.ServeHTTP(cw, r)

			endpoint := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				endpoint = rctx.RoutePattern()
			}

			promptChars := 0
			if r.ContentLength > 0 {
				promptChars = int(r.ContentLength)
			}

			var errMsg *string
			if cw.status >= 400 {
				m := http.StatusText(cw.status)
				errMsg = &m
			}

			metadata, _ := json.Marshal(map[string]string{
				"request_id": chimw.GetReqID(r.Context()),
			})

			usage.Record(model.UsageRecord{
				TokenID:        token.ID,
				Endpoint:       endpoint,
				Method:         r.Method,
				StatusCode:     cw.status,
				ResponseTimeMS: int(time.Since(start).Milliseconds()),
				PromptChars:    promptChars,
				ResponseChars:  cw.written,
				Metadata:       metadata,
				ErrorMessage:   errMsg,
			})
		})
	}
}

// countingWriter tracks the response size on top of the status capture.
type countingWriter struct {
	statusWriter
	written int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.statusWriter.Write(p)
	w.written += n
	return n, err
}
