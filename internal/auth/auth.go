// Package auth provides the authorization capability consumed by every
// transport: API key and JWT bearer checks plus CORS origin validation.
// Transports never implement credential logic themselves; they hold a
// Capability and delegate.
package auth

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"printhub/internal/config"
	"printhub/internal/errors"
)

// Identity describes an authenticated caller.
type Identity struct {
	Username string `json:"username"`
	Source   string `json:"source"`
}

// Capability is the authorization surface handed to transports.
type Capability interface {
	// CheckAuthorized validates the request's credentials. It returns a
	// nil identity when the server runs open (no credentials
	// configured) and a declared 401 fault when credentials are
	// required but invalid or absent.
	CheckAuthorized(r *http.Request) (*Identity, error)
	// CheckCORS reports whether origin is trusted.
	CheckCORS(origin string) bool
	// ApplyCORS writes CORS headers for a trusted origin and reports
	// whether the origin was allowed.
	ApplyCORS(w http.ResponseWriter, r *http.Request) bool
}

const apiKeyUsername = "_api_key_user_"

var allowedHeaders = strings.Join([]string{
	"Origin", "Accept", "Content-Type", "X-Requested-With",
	"Authorization", "X-Access-Token", "X-Api-Key",
}, ", ")

// Authorizer implements Capability from static configuration.
type Authorizer struct {
	apiKey         []byte
	jwtSecret      []byte
	originPatterns []*regexp.Regexp
	logger         *slog.Logger
}

// New creates an authorizer. With neither an API key nor a JWT secret
// configured the server runs open.
func New(cfg config.AuthConfig, logger *slog.Logger) (*Authorizer, error) {
	a := &Authorizer{logger: logger}
	if cfg.APIKey != "" {
		a.apiKey = []byte(cfg.APIKey)
	}
	if cfg.JWTSecret != "" {
		a.jwtSecret = []byte(cfg.JWTSecret)
	}
	for _, origin := range cfg.TrustedOrigins {
		re, err := compileOrigin(origin)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted origin %q: %w", origin, err)
		}
		a.originPatterns = append(a.originPatterns, re)
	}
	return a, nil
}

// Enabled reports whether any credential is configured.
func (a *Authorizer) Enabled() bool {
	return len(a.apiKey) > 0 || len(a.jwtSecret) > 0
}

// CheckAuthorized implements Capability.
func (a *Authorizer) CheckAuthorized(r *http.Request) (*Identity, error) {
	if !a.Enabled() {
		return nil, nil
	}

	if key := r.Header.Get("X-Api-Key"); key != "" && len(a.apiKey) > 0 {
		if subtle.ConstantTimeCompare([]byte(key), a.apiKey) == 1 {
			return &Identity{Username: apiKeyUsername, Source: "api_key"}, nil
		}
		return nil, errors.ErrUnauthorized
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token != "" && len(a.jwtSecret) > 0 {
		ident, err := a.verifyToken(token)
		if err != nil {
			a.logger.Debug("token verification failed", "error", err)
			return nil, errors.ErrUnauthorized
		}
		return ident, nil
	}

	return nil, errors.ErrUnauthorized
}

// CheckCORS implements Capability.
func (a *Authorizer) CheckCORS(origin string) bool {
	if origin == "" {
		return false
	}
	for _, re := range a.originPatterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

// ApplyCORS implements Capability.
func (a *Authorizer) ApplyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if !a.CheckCORS(origin) {
		return false
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", allowedHeaders)
	return true
}

func (a *Authorizer) verifyToken(tokenStr string) (*Identity, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	username := claims.Subject
	if username == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	return &Identity{Username: username, Source: "token"}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// compileOrigin turns a trusted-origin entry into an anchored pattern.
// "*" wildcards match any run of characters, so "http://*.local" covers
// every host under .local.
func compileOrigin(origin string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(origin)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	return regexp.Compile("(?i)^" + escaped + "$")
}
