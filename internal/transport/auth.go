package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/model"
)

// ErrInvalidToken is wrapped by every token verification failure.
var ErrInvalidToken = errors.New("invalid token")

// JWTResolver verifies bearer tokens against the identity provider's JWKS
// and derives the caller's authorities from the token claims: SCOPE_<s> for
// every granted scope and ROLE_<r> for every role.
type JWTResolver struct {
	cfg  config.IdentityConfig
	jwks *JWKSClient
}

// NewJWTResolver creates a resolver for tokens issued by cfg.Issuer.
func NewJWTResolver(cfg config.IdentityConfig, jwks *JWKSClient) *JWTResolver {
	return &JWTResolver{cfg: cfg, jwks: jwks}
}

// Resolve implements model.IdentityResolver.
func (r *JWTResolver) Resolve(ctx context.Context, tokenStr string) (*model.RequestContext, error) {
	token, err := jwt.Parse(tokenStr,
		func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("missing kid in token header")
			}
			return r.jwks.GetKey(ctx, kid)
		},
		jwt.WithValidMethods(r.cfg.Algorithms),
		jwt.WithIssuer(r.cfg.Issuer),
		jwt.WithAudience(r.cfg.Audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, classifyJWTError(err))
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	rctx, err := RequestContextFromClaims(claims, r.cfg.Claims)
	if err != nil {
		return nil, err
	}
	rctx.Token = tokenStr
	return rctx, nil
}

// RequestContextFromClaims builds a RequestContext from verified claims.
// Claim paths use gjson syntax.
func RequestContextFromClaims(claims map[string]any, paths config.ClaimPathConfig) (*model.RequestContext, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable claims", ErrInvalidToken)
	}

	rctx := &model.RequestContext{
		SubjectID: gjson.GetBytes(raw, paths.Subject).String(),
		Username:  gjson.GetBytes(raw, paths.Username).String(),
		Email:     gjson.GetBytes(raw, paths.Email).String(),
		Claims:    claims,
	}
	if rctx.SubjectID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	var authorities []string
	for _, p := range paths.Scope {
		for _, s := range claimValues(raw, p) {
			authorities = appendAuthority(authorities, model.ScopePrefix, s)
		}
	}
	for _, p := range paths.Roles {
		for _, role := range claimValues(raw, p) {
			authorities = appendAuthority(authorities, model.RolePrefix, role)
		}
	}
	rctx.Authorities = authorities
	return rctx, nil
}

// claimValues reads a claim that is either an array of strings or a single
// space-delimited string, as OAuth2 scopes are.
func claimValues(raw []byte, path string) []string {
	if path == "" {
		return nil
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil
	}
	if res.IsArray() {
		var out []string
		for _, v := range res.Array() {
			if s := v.String(); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return strings.Fields(res.String())
}

func appendAuthority(authorities []string, prefix, value string) []string {
	a := value
	if !strings.HasPrefix(value, prefix) {
		a = prefix + value
	}
	if slices.Contains(authorities, a) {
		return authorities
	}
	return append(authorities, a)
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "disallowed signing algorithm"
		}
		return "invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unknown signing key"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	default:
		return "token rejected"
	}
}

// StaticResolver maps fixed tokens to identities. Used in tests and local
// development.
type StaticResolver struct {
	identities map[string]model.RequestContext
}

// NewStaticResolver creates a resolver over token -> identity.
func NewStaticResolver(identities map[string]model.RequestContext) *StaticResolver {
	return &StaticResolver{identities: identities}
}

// Resolve implements model.IdentityResolver.
func (s *StaticResolver) Resolve(_ context.Context, token string) (*model.RequestContext, error) {
	id, ok := s.identities[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", ErrInvalidToken)
	}
	id.Authorities = slices.Clone(id.Authorities)
	id.Claims = maps.Clone(id.Claims)
	id.Token = token
	return &id, nil
}

// Authenticate returns middleware that resolves the bearer token into a
// RequestContext and stores it in the request context.
func Authenticate(resolver model.IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			rctx, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				slog.Info("authentication failed", "error", err, "path", r.URL.Path)
				WriteError(w, model.NewUnauthorizedError(unauthorizedMessage(err)))
				return
			}
			rctx.CorrelationID = CorrelationIDFrom(r.Context())
			rctx.TraceID = observability.TraceIDFromContext(r.Context())

			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorizedMessage(err error) string {
	if errors.Is(err, ErrInvalidToken) {
		msg := strings.TrimPrefix(err.Error(), ErrInvalidToken.Error()+": ")
		if msg != "" && msg != err.Error() {
			return "Invalid token: " + msg
		}
	}
	return "Invalid token"
}
