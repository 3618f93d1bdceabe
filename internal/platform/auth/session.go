// Package auth resolves the caller address of a request. Every ledger
// operation acts on behalf of exactly one address, taken from a verified
// bearer token or, in development, from a trusted header.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const CallerKey contextKey = "caller_address"

// DevCallerHeader carries the caller address when tokens are not required.
const DevCallerHeader = "X-Caller-Address"

type Claims struct {
	jwt.RegisteredClaims
	Address string `json:"address,omitempty"`
}

// CallerAddress is the address claim, falling back to the subject.
func (c *Claims) CallerAddress() string {
	if a := strings.TrimSpace(c.Address); a != "" {
		return a
	}
	return strings.TrimSpace(c.Subject)
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 validation instead of JWKS.
	SigningKey []byte
}

// keyfunc picks the verification key source. Without a signing key or a
// JWKS URL it tries OIDC discovery on the issuer.
func (cfg JWTConfig) keyfunc() (jwt.Keyfunc, []string, error) {
	if len(cfg.SigningKey) > 0 {
		key := cfg.SigningKey
		return func(*jwt.Token) (interface{}, error) { return key, nil }, []string{"HS256"}, nil
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		provider, err := NewOIDCProvider(cfg.Issuer)
		if err != nil {
			return nil, nil, err
		}
		jwksURL = provider.JWKSURI
	}
	if jwksURL == "" {
		return nil, nil, fmt.Errorf("auth: no signing key, JWKS URL or issuer configured")
	}
	return NewJWKSCache(jwksURL, defaultJWKSCacheTTL).Keyfunc, []string{"RS256"}, nil
}

// Parser validates bearer tokens and extracts the caller address.
type Parser struct {
	keyfunc jwt.Keyfunc
	opts    []jwt.ParserOption
}

func NewParser(cfg JWTConfig) (*Parser, error) {
	kf, methods, err := cfg.keyfunc()
	if err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Parser{keyfunc: kf, opts: opts}, nil
}

func (p *Parser) Caller(tokenStr string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, p.keyfunc, p.opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	addr := claims.CallerAddress()
	if addr == "" {
		return "", fmt.Errorf("token carries no address")
	}
	return addr, nil
}

func bearer(c echo.Context) (string, *echo.HTTPError) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// JWTMiddleware requires a valid bearer token on every non-skipped request.
func JWTMiddleware(p *Parser, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			tokenStr, herr := bearer(c)
			if herr != nil {
				return herr
			}
			addr, err := p.Caller(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			setCaller(c, addr)
			return next(c)
		}
	}
}

// DevSessionMiddleware trusts DevCallerHeader. Requests without the header
// fall through to token validation when p is non-nil.
func DevSessionMiddleware(p *Parser, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	var jwtMW echo.MiddlewareFunc
	if p != nil {
		jwtMW = JWTMiddleware(p, skipper)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		var withToken echo.HandlerFunc
		if jwtMW != nil {
			withToken = jwtMW(next)
		}
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			if addr := strings.TrimSpace(c.Request().Header.Get(DevCallerHeader)); addr != "" {
				setCaller(c, addr)
				return next(c)
			}
			if withToken != nil {
				return withToken(c)
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "missing caller address")
		}
	}
}

func setCaller(c echo.Context, addr string) {
	c.Set(string(CallerKey), addr)
	c.SetRequest(c.Request().WithContext(WithCaller(c.Request().Context(), addr)))
}

func WithCaller(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, CallerKey, addr)
}

// CallerFromContext returns the authenticated address, or "" if none.
func CallerFromContext(ctx context.Context) string {
	addr, _ := ctx.Value(CallerKey).(string)
	return addr
}
