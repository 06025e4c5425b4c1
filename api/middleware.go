package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/choir/internal/metrics"
	"github.com/BaSui01/choir/types"
)

// Middleware 是 http.Handler 的包装器。
type Middleware func(http.Handler) http.Handler

// Chain 依次应用中间件（第一个最外层）。
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// =============================================================================
// 🔐 认证
// =============================================================================

// Authenticator 校验 Bearer JWT 并把 username 放进请求上下文。
type Authenticator struct {
	secret []byte
	logger *zap.Logger
}

// NewAuthenticator 创建认证中间件。
func NewAuthenticator(secret string, logger *zap.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), logger: logger}
}

// IssueToken 为 username 签发 HMAC JWT（开发与测试用）。
func (a *Authenticator) IssueToken(username string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": username,
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware 校验请求并注入租户身份。
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr := ""
		if strings.HasPrefix(header, "Bearer ") {
			tokenStr = strings.TrimPrefix(header, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			// WebSocket 客户端经常无法设置自定义 header
			tokenStr = q
		}
		if tokenStr == "" {
			WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "missing bearer token", a.logger)
			return
		}

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "invalid token", a.logger)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "invalid token claims", a.logger)
			return
		}
		username, _ := claims["sub"].(string)
		if username == "" {
			WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "token missing subject", a.logger)
			return
		}

		ctx := types.WithUsername(r.Context(), username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// =============================================================================
// 🚦 限流
// =============================================================================

// RateLimiter 按调用方（username，未认证时按远端地址）限流。
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
	logger   *zap.Logger
}

// NewRateLimiter 创建限流中间件；rps <= 0 表示关闭。
func NewRateLimiter(rps float64, burst int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Middleware 应用限流。
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if username, ok := types.Username(r.Context()); ok {
			key = username
		}
		if !rl.limiterFor(key).Allow() {
			WriteErrorMessage(w, http.StatusTooManyRequests, types.ErrRateLimited, "rate limit exceeded", rl.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// 📋 日志、恢复、指标
// =============================================================================

// statusWriter 捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.status = code
		sw.written = true
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap 让 http.ResponseController（WebSocket 升级需要 Hijack）能
// 穿透包装。
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// RequestLogger 记录每个请求并注入 correlation id。
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.New().String()
			ctx := types.WithRequestID(r.Context(), requestID)
			w.Header().Set("X-Request-ID", requestID)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r.WithContext(ctx))

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
		})
	}
}

// Recover 捕获 handler panic，返回 500。
func Recover(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					requestID, _ := types.RequestID(r.Context())
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", requestID),
					)
					WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternal, "internal error", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Metrics 记录请求计数与时延。
func Metrics(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		if collector == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			collector.RecordHTTPRequest(r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}
