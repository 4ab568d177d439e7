/**
 * @description
 * Authentication, rate limiting and request logging for the gateway API. Three callers
 * reach the gateway: end users (identity tokens), the bank (service tokens) and merchants
 * (API key plus a token signed with the key's secret).
 *
 * @dependencies
 * - internal/trust: token verification.
 * - github.com/go-chi/chi/v5/middleware: response wrapping and request ids.
 * - github.com/sirupsen/logrus: structured logging.
 */

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/gateway-service/internal/domain"
	"github.com/transfa/gateway-service/internal/trust"
)

type contextKey string

const (
	userIDKey         contextKey = "userID"
	servicePayloadKey contextKey = "servicePayload"
	merchantAliasKey  contextKey = "merchantAlias"
)

const maxMerchantAuthBody = 64 << 10

// TokenVerifier verifies trust tokens.
type TokenVerifier interface {
	Verify(token, expectedIssuer, expectedAudience string, tolerance time.Duration, out any) error
}

// MerchantAuthenticator resolves a merchant's credentials to the alias it acts for.
type MerchantAuthenticator interface {
	Authenticate(ctx context.Context, apiKey string, aliasID uuid.UUID, token string) (*domain.ReceiverServiceAccount, error)
}

// RateLimiter counts hits in a fixed window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Authenticator holds the verifiers for every caller type.
type Authenticator struct {
	Identity       TokenVerifier
	IdentityIssuer string
	Service        TokenVerifier
	BankIssuer     string
	Tolerance      time.Duration
	Merchants      MerchantAuthenticator
	Logger         logrus.FieldLogger
}

// RequireUser accepts identity tokens for the gateway-user audience.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := trust.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		var payload trust.UserPayload
		if err := a.Identity.Verify(token, a.IdentityIssuer, trust.AudienceUser, a.Tolerance, &payload); err != nil {
			a.Logger.WithError(err).Debug("user token rejected")
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		if strings.TrimSpace(payload.UserID) == "" {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, payload.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireService accepts tokens the bank minted for the gateway audience. The raw payload
// is left in the context for the handler to decode.
func (a *Authenticator) RequireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := trust.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		var payload json.RawMessage
		if err := a.Service.Verify(token, a.BankIssuer, trust.AudienceGateway, a.Tolerance, &payload); err != nil {
			a.Logger.WithError(err).Warn("service token rejected")
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), servicePayloadKey, payload)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type merchantCredentials struct {
	APIKey                   string `json:"apiKey"`
	ReceiverServiceAccountID string `json:"receiverServiceAccountId"`
}

// RequireMerchant authenticates merchant calls. Credentials come from the JSON body, or
// from the query string on GET requests. The body is restored for the handler.
func (a *Authenticator) RequireMerchant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := trust.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		var creds merchantCredentials
		if r.Method == http.MethodGet {
			creds.APIKey = r.URL.Query().Get("apiKey")
			creds.ReceiverServiceAccountID = r.URL.Query().Get("receiverServiceAccountId")
		} else {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxMerchantAuthBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			if len(body) > 0 {
				_ = json.Unmarshal(body, &creds)
			}
		}

		aliasID, err := uuid.Parse(strings.TrimSpace(creds.ReceiverServiceAccountID))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		alias, err := a.Merchants.Authenticate(r.Context(), strings.TrimSpace(creds.APIKey), aliasID, token)
		if err != nil {
			writeServiceError(w, a.Logger, "merchant_auth", err)
			return
		}
		ctx := context.WithValue(r.Context(), merchantAliasKey, alias)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the authenticated end user.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

func servicePayloadFromContext(ctx context.Context) (json.RawMessage, bool) {
	payload, ok := ctx.Value(servicePayloadKey).(json.RawMessage)
	return payload, ok
}

// MerchantAliasFromContext returns the alias an authenticated merchant acts for.
func MerchantAliasFromContext(ctx context.Context) (*domain.ReceiverServiceAccount, bool) {
	alias, ok := ctx.Value(merchantAliasKey).(*domain.ReceiverServiceAccount)
	return alias, ok
}

// RateLimit allows limit requests per minute per subject. A nil limiter or a limiter
// error lets the request through.
func RateLimit(limiter RateLimiter, scope string, limit int, logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			subject, ok := UserIDFromContext(r.Context())
			if !ok {
				subject = clientIP(r)
			}
			count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), scope, subject, limit, time.Minute)
			if err != nil {
				logger.WithField("scope", scope).WithError(err).Warn("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			remaining := limit - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if count > limit {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP from the request.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestLogger logs one entry per request through logrus.
func RequestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.WithFields(logrus.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start).String(),
				}).Info("request handled")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

var errMissingUser = errors.New("could not get user ID from context")
