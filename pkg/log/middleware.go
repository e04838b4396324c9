package log

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// requestScope derives the per-request logger and request ID. The room is
// taken from whichever of the known parameter spellings is present.
func requestScope(logger zerolog.Logger, r *http.Request, ip, room string) (zerolog.Logger, string) {
	reqID := r.Header.Get(headerRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx := logger.With().
		Str(FieldRequestID, reqID).
		Str(FieldMethod, r.Method).
		Str(FieldPath, r.URL.Path).
		Str(FieldClientIP, ip)
	if room != "" {
		ctx = ctx.Str(FieldRoomID, room)
	}
	return ctx.Logger(), reqID
}

func completed(l zerolog.Logger, status, size int, start time.Time) *zerolog.Event {
	evt := l.Info()
	if status >= http.StatusInternalServerError {
		evt = l.Warn()
	}
	return evt.
		Int(FieldStatus, status).
		Int("bytes", size).
		Float64(FieldLatency, float64(time.Since(start).Microseconds())/1000)
}

// GinMiddleware tags each request with an ID and a scoped logger and logs
// its completion. The user set by an auth step, if any, is logged too.
func GinMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		room := c.Param("room_id")
		if room == "" {
			room = c.Param("roomId")
		}
		child, reqID := requestScope(logger, c.Request, c.ClientIP(), room)
		c.Header(headerRequestID, reqID)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), child))

		c.Next()

		evt := completed(child, c.Writer.Status(), c.Writer.Size(), start)
		if userID := c.GetString(FieldUserID); userID != "" {
			evt = evt.Str(FieldUserID, userID)
		}
		evt.Msg("request completed")
	}
}

// HTTPMiddleware is the net/http counterpart of GinMiddleware. The
// recorder it installs keeps http.Hijacker working for websocket upgrades.
func HTTPMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			child, reqID := requestScope(logger, r, clientIP(r), r.URL.Query().Get("room"))
			w.Header().Set(headerRequestID, reqID)

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithLogger(r.Context(), child)))

			if rec.hijacked {
				child.Debug().Dur("upgrade", time.Since(start)).Msg("connection hijacked")
				return
			}
			completed(child, rec.status, rec.size, start).Msg("request completed")
		})
	}
}

type recorder struct {
	http.ResponseWriter
	status   int
	size     int
	hijacked bool
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

func (r *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not implement http.Hijacker")
	}
	r.hijacked = true
	return h.Hijack()
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// clientIP prefers X-Forwarded-For, then X-Real-IP, then the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip, _, _ := strings.Cut(xff, ","); strings.TrimSpace(ip) != "" {
			return strings.TrimSpace(ip)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
