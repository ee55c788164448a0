package admission

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sofatutor/gemini-pool/internal/apikey"
	"github.com/sofatutor/gemini-pool/internal/logging"
)

// Context keys set on admitted requests.
const (
	ContextKeyName     = "apikey.name"
	ContextKeyHash     = "apikey.hash"
	ContextKeyEndpoint = "apikey.endpoint"
)

const (
	HeaderRequestID          = "X-Request-ID"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// HeaderUpstreamEndpoint names the upstream path a sidecar caller is about
// to call. It is checked against the key's endpoint allow-list.
const HeaderUpstreamEndpoint = "X-Upstream-Endpoint"

// RequestID propagates X-Request-ID, generating one when absent, and stores
// it in the request context for logging.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// extractKey reads the API key from the Authorization bearer token, the
// x-goog-api-key or x-api-key header, or the key query parameter.
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	for _, h := range []string{"x-goog-api-key", "x-api-key"} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	return r.URL.Query().Get("key")
}

// EndpointFunc returns the endpoint a request is admitted for.
type EndpointFunc func(c *gin.Context) string

// RequestPath admits a request for its own URL path. Use it when the
// middleware sits in front of the proxied routes.
func RequestPath(c *gin.Context) string { return c.Request.URL.Path }

// UpstreamEndpoint admits a request for the path named in
// HeaderUpstreamEndpoint. Without the header the request's own path is used,
// which keys scoped to upstream endpoints do not match.
func UpstreamEndpoint(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader(HeaderUpstreamEndpoint)); v != "" {
		return v
	}
	return c.Request.URL.Path
}

// Middleware admits requests with Admit. Rejections abort with 429 for
// rate-limited keys and 401 otherwise; the rate-limit headers are set
// whenever the key carries a limit. endpoint defaults to RequestPath.
func (e *Engine) Middleware(endpoint EndpointFunc) gin.HandlerFunc {
	if endpoint == nil {
		endpoint = RequestPath
	}
	return func(c *gin.Context) {
		ep := endpoint(c)
		res := e.Admit(c.Request.Context(), Request{
			APIKey:   extractKey(c.Request),
			ClientIP: c.ClientIP(),
			Endpoint: ep,
		})

		if res.RateLimitRemaining != nil {
			c.Header(HeaderRateLimitRemaining, strconv.Itoa(*res.RateLimitRemaining))
		}
		if res.RateLimitReset != nil {
			c.Header(HeaderRateLimitReset, strconv.FormatInt(res.RateLimitReset.Unix(), 10))
		}

		if !res.Valid {
			status := apikey.HTTPStatus(res)
			if status == http.StatusTooManyRequests && res.RateLimitReset != nil {
				wait := int(res.RateLimitReset.Sub(e.now()).Seconds()) + 1
				c.Header("Retry-After", strconv.Itoa(max(wait, 1)))
			}
			c.AbortWithStatusJSON(status, gin.H{"error": res.Error})
			return
		}

		c.Set(ContextKeyName, res.Name)
		c.Set(ContextKeyHash, res.KeyHash)
		c.Set(ContextKeyEndpoint, ep)
		c.Next()
	}
}
