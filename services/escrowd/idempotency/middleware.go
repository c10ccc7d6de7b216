package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

const (
	// Header names the request header carrying the client's key.
	Header = "Idempotency-Key"

	maxBodyBytes = 1 << 20
	maxKeyLength = 255
)

// ScopeFunc namespaces keys, typically by authenticated caller, so two
// callers never share a cache entry.
type ScopeFunc func(*http.Request) string

// Middleware replays stored responses for repeated keys and stores fresh ones.
// Requests without the header pass through untouched.
type Middleware struct {
	store  *Store
	scope  ScopeFunc
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewMiddleware(store *Store, scope ScopeFunc, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{store: store, scope: scope, logger: logger, inFlight: make(map[string]struct{})}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem := strings.TrimSpace(r.Header.Get(Header))
		if idem == "" || m.store == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(idem) > maxKeyLength {
			writeError(w, http.StatusBadRequest, "idempotency key too long")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		if len(body) > maxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		key := idem
		if m.scope != nil {
			key = m.scope(r) + "|" + idem
		}
		fingerprint := Fingerprint(r.Method, r.URL.Path, body)

		// Claim the key before consulting the store so a concurrent duplicate
		// cannot pass the lookup and run the handler after this one saves.
		if !m.acquire(key) {
			writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
			return
		}
		defer m.release(key)

		record, found, err := m.store.Lookup(key, fingerprint)
		switch {
		case errors.Is(err, ErrKeyReused):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			m.logger.Error("idempotency lookup failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		case found:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Cache", "hit")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		if !cacheable(capture.status) {
			return
		}
		if err := m.store.Save(key, fingerprint, capture.status, capture.body.Bytes()); err != nil {
			m.logger.Warn("idempotency save failed", slog.Any("error", err))
		}
	})
}

func (m *Middleware) acquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[key]; busy {
		return false
	}
	m.inFlight[key] = struct{}{}
	return true
}

func (m *Middleware) release(key string) {
	m.mu.Lock()
	delete(m.inFlight, key)
	m.mu.Unlock()
}

// cacheable excludes outcomes a retry may legitimately change.
func cacheable(status int) bool {
	switch {
	case status >= 500:
		return false
	case status == http.StatusUnauthorized, status == http.StatusTooManyRequests:
		return false
	default:
		return true
	}
}

type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
