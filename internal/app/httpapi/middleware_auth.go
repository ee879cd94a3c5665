package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zoozapp/trust-engine/pkg/logger"
)

type contextKey string

// subjectKey carries the authenticated subject through the request context.
const subjectKey contextKey = "subject"

// authSkipPaths are served without a bearer token.
var authSkipPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
	"/users":   true, // registration happens before a token exists
}

// AuthConfig configures bearer token verification. An empty secret disables
// authentication entirely, which suits tests and local development.
type AuthConfig struct {
	Secret string
	Issuer string
}

// AuthMiddleware verifies the Authorization bearer token and stores its
// subject claim in the request context.
func AuthMiddleware(cfg AuthConfig, log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return func(next http.Handler) http.Handler {
		if cfg.Secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authSkipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			subject, err := verifyToken(cfg, strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				log.WithError(err).Debug("Token rejected")
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))
		})
	}
}

func verifyToken(cfg AuthConfig, raw string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return "", err
	}
	return token.Claims.GetSubject()
}

// SubjectFromContext returns the authenticated subject, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey).(string)
	return subject, ok
}
