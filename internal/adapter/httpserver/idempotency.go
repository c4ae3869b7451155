package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/fairyhunter13/stepflow/internal/domain"
)

// HeaderIdempotencyKey and friends are the replay-protocol headers.
const (
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderIdemReplayed   = "X-Idempotency-Replayed"
	HeaderIdemOriginal   = "X-Idempotency-Original-Date"
	maxIdemResponseBytes = 1 << 20
)

var idemKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// idemRecorder buffers the response so the first outcome can be persisted.
type idemRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rec *idemRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *idemRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	if rec.body.Len() < maxIdemResponseBytes {
		rec.body.Write(b)
	}
	return rec.ResponseWriter.Write(b)
}

// Idempotency replays the stored first response for a repeated
// X-Idempotency-Key. Responses with server-side or rate-limit statuses are
// not stored, so a transient failure does not poison the key.
func (s *Server) Idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !idemKeyPattern.MatchString(key) {
			writeError(w, r, fmt.Errorf("%w: malformed %s", domain.ErrInvalidArgument, HeaderIdempotencyKey), nil)
			return
		}
		ctx := r.Context()
		stored, err := s.Store.GetIdemResponse(ctx, key)
		switch {
		case err == nil:
			w.Header().Set(HeaderIdemReplayed, "true")
			w.Header().Set(HeaderIdemOriginal, stored.CreatedAt.UTC().Format(time.RFC3339))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		case !errors.Is(err, domain.ErrNotFound):
			writeError(w, r, err, nil)
			return
		}

		rec := &idemRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if rec.status >= 500 || rec.status == http.StatusTooManyRequests {
			return
		}
		putErr := s.Store.PutIdemResponse(ctx, domain.IdemResponse{
			Key:       key,
			Status:    rec.status,
			Body:      append([]byte(nil), rec.body.Bytes()...),
			CreatedAt: time.Now().UTC(),
		})
		if putErr != nil {
			LoggerFrom(r).Warn("idempotency response store failed",
				slog.String("key", key), slog.Any("error", putErr))
		}
	})
}
