/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer-token
 * authentication, idempotency-key replay, and per-account request rate
 * limiting on the money-moving endpoints.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: JWT validation.
 * - internal/app: KeyedStore and RedisRateLimiter.
 */

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/corridorpay/ledger-service/internal/app"
)

// AddressContextKey is a custom type for the context key to avoid collisions.
type AddressContextKey string

const accountAddressKey AddressContextKey = "accountAddress"

// AuthMiddleware creates a middleware that validates HMAC-signed bearer
// tokens. The token subject is the caller's account address.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}
			address, ok := claims["sub"].(string)
			if !ok || address == "" {
				http.Error(w, "Account address not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), accountAddressKey, address)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAccountAddress retrieves the authenticated account address from the
// request context. Handlers should use this to identify the caller.
func GetAccountAddress(ctx context.Context) (string, bool) {
	address, ok := ctx.Value(accountAddressKey).(string)
	return address, ok
}

// storedResponse is the replay payload persisted for an idempotency key.
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// responseRecorder captures the handler's response so it can be stored.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key header, scoped to the authenticated caller. Requests
// without the header pass through untouched.
func IdempotencyMiddleware(keys app.KeyedStore, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if key == "" || keys == nil {
				next.ServeHTTP(w, r)
				return
			}
			address, _ := GetAccountAddress(r.Context())
			storeKey := "idem:" + address + ":" + r.Method + ":" + r.URL.Path + ":" + key

			if raw, err := keys.Get(r.Context(), storeKey); err == nil {
				var stored storedResponse
				if err := json.Unmarshal(raw, &stored); err == nil {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Idempotency-Replayed", "true")
					w.WriteHeader(stored.Status)
					w.Write(stored.Body)
					return
				}
			}

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			// Only terminal outcomes are worth replaying.
			if recorder.status < 500 {
				payload, err := json.Marshal(storedResponse{Status: recorder.status, Body: recorder.body.Bytes()})
				if err == nil {
					if err := keys.Put(r.Context(), storeKey, payload, ttl); err != nil {
						log.Printf("level=warn component=api msg=\"failed to store idempotent response\" key=%s err=%v", key, err)
					}
				}
			}
		})
	}
}

// RateLimitMiddleware limits requests per authenticated address within the
// window. A nil limiter disables limiting.
func RateLimitMiddleware(limiter *app.RedisRateLimiter, scope string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			address, ok := GetAccountAddress(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), scope, address, limit, window)
			if err != nil {
				// Fail open: limiting is protection, not a dependency.
				log.Printf("level=warn component=api msg=\"rate limiter unavailable\" scope=%s err=%v", scope, err)
				next.ServeHTTP(w, r)
				return
			}
			if count > limit {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
