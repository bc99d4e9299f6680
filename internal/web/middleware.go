package web

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

const (
	HeaderCaller    = "X-Caller-Address"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"

	callerKey = "caller"

	maxSignedBody = 1 << 20
	limiterIdle   = 10 * time.Minute
)

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if caller := c.GetHeader(HeaderCaller); caller != "" {
			fields = append(fields, zap.String("caller", caller))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Error("HTTP request failed", fields...)
			return
		}
		s.logger.Debug("HTTP request", fields...)
	}
}

// callerAuth resolves the acting address. With RequireSignature the caller
// must also personal_sign SigningMessage for the request, and each nonce is
// accepted once.
func (s *Server) callerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderCaller)
		caller, ok := parseAddress(raw)
		if !ok {
			abortError(c, http.StatusUnauthorized, "Unauthenticated", "missing or invalid "+HeaderCaller+" header")
			return
		}
		if s.opts.RequireSignature {
			if err := s.verifyRequest(c, caller); err != nil {
				s.logger.Warn("Rejected request signature", zap.String("caller", caller.Hex()), zap.Error(err))
				abortError(c, http.StatusUnauthorized, "BadSignature", err.Error())
				return
			}
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func (s *Server) verifyRequest(c *gin.Context, caller domain.Address) error {
	ts, err := strconv.ParseInt(c.GetHeader(HeaderTimestamp), 10, 64)
	if err != nil {
		return errMissingTimestamp
	}
	now := s.now()
	age := now.Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > s.opts.SignatureMaxAge {
		return errExpiredSignature
	}
	nonce := c.GetHeader(HeaderNonce)
	if nonce == "" || len(nonce) > maxNonceLen || strings.ContainsAny(nonce, " \t\r\n") {
		return errMissingNonce
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	msg := SigningMessage(c.Request.Method, c.Request.URL.Path, ts, nonce, body)
	if err := VerifySignature(caller, msg, c.GetHeader(HeaderSignature)); err != nil {
		return err
	}
	if !s.nonces.use(caller.Hex()+" "+nonce, now, time.Unix(ts, 0).Add(s.opts.SignatureMaxAge)) {
		return errReplayedNonce
	}
	return nil
}

// readBody buffers the request body for hashing and puts it back for the
// handler.
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxSignedBody {
		return nil, errBodyTooLarge
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func callerFrom(c *gin.Context) domain.Address {
	return c.MustGet(callerKey).(domain.Address)
}

// callerLimiter keeps one token bucket per key. Buckets idle for longer than
// limiterIdle are dropped.
type callerLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
	limiters  map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newCallerLimiter(perSecond float64, burst int, now func() time.Time) *callerLimiter {
	if burst < 1 {
		burst = 1
	}
	return &callerLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      now,
		limiters: make(map[string]*limiterEntry),
	}
}

func (l *callerLimiter) allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= limiterIdle {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) >= limiterIdle {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}
	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

func (l *callerLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func clientKey(c *gin.Context) string { return "ip " + c.ClientIP() }

func callerKeyOf(c *gin.Context) string { return "caller " + callerFrom(c).Hex() }

// rateLimit charges one token to the bucket keyOf selects. Public routes are
// keyed by client IP; authenticated routes are also keyed by the resolved
// caller.
func (s *Server) rateLimit(keyOf func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		if !s.limiter.allow(keyOf(c)) {
			abortError(c, http.StatusTooManyRequests, "RateLimited", "too many requests")
			return
		}
		c.Next()
	}
}
