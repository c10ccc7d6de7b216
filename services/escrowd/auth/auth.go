// Package auth verifies HMAC-signed bearer tokens and turns their subject
// into the caller identity the escrow engine authorises against.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"skillchain/crypto"
)

// Scopes understood by escrowd.
const (
	ScopeEscrow      = "escrow"
	ScopeLedgerAdmin = "ledger:admin"
)

var (
	ErrMissingToken      = errors.New("missing bearer token")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInsufficientScope = errors.New("insufficient scope")
)

type Config struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

// Principal is the authenticated caller.
type Principal struct {
	Identity [20]byte
	Scopes   []string
}

// HasScopes reports whether every required scope was granted.
func (p *Principal) HasScopes(required ...string) bool {
	if p == nil {
		return len(required) == 0
	}
	return hasScopes(p.Scopes, required)
}

type contextKey struct{}

// WithPrincipal attaches the principal to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the principal attached by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok && p != nil
}

type Verifier struct {
	cfg    Config
	secret []byte
}

func NewVerifier(cfg Config) (*Verifier, error) {
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if len(secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Verifier{cfg: cfg, secret: secret}, nil
}

// Verify parses the token and resolves its subject into an identity.
func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}
	claims, err := v.parseToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := validateClaims(claims, v.cfg.Issuer, v.cfg.Audience); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	id, err := crypto.ParseIdentity(subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return &Principal{Identity: id, Scopes: extractScopes(claims, v.cfg.ScopeClaim)}, nil
}

// VerifyHeader verifies an Authorization header value.
func (v *Verifier) VerifyHeader(header string) (*Principal, error) {
	return v.Verify(ExtractBearer(header))
}

func (v *Verifier) parseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

// ExtractBearer returns the token of a "Bearer <token>" header.
func ExtractBearer(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// IssueOptions describes a token minted by Issue.
type IssueOptions struct {
	Issuer   string
	Audience string
	Scopes   []string
	TTL      time.Duration
	Now      time.Time
}

// Issue mints an HS256 token whose subject is the bech32 form of who. Used by
// the CLI for development tokens and by tests.
func Issue(secret string, who [20]byte, opts IssueOptions) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth secret not configured")
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"sub": crypto.FormatIdentity(who),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}
	if opts.Audience != "" {
		claims["aud"] = opts.Audience
	}
	if len(opts.Scopes) > 0 {
		claims["scope"] = strings.Join(opts.Scopes, " ")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}
