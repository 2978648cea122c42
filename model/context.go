package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Authority prefixes, following the convention of OAuth2 resource servers:
// every entry of the token scope becomes SCOPE_<scope> and every role becomes
// ROLE_<role>.
const (
	ScopePrefix = "SCOPE_"
	RolePrefix  = "ROLE_"
)

// RequestContext carries the resolved identity and tracing information for the
// lifetime of an authenticated request. It is immutable after construction and
// safe for concurrent reads.
type RequestContext struct {
	SubjectID     string
	Username      string
	Email         string
	Authorities   []string
	Claims        map[string]any
	Token         string
	CorrelationID string
	TraceID       string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasAuthority returns true if the RequestContext was granted the given
// authority, e.g. "SCOPE_acme.facultad" or "ROLE_ADMINLEGO".
func (rc *RequestContext) HasAuthority(authority string) bool {
	return slices.Contains(rc.Authorities, authority)
}

// Actor returns the name used for auditing: the preferred username when the
// token carries one, the subject otherwise.
func (rc *RequestContext) Actor() string {
	if rc.Username != "" {
		return rc.Username
	}
	return rc.SubjectID
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// IdentityResolver turns a bearer token into a RequestContext. Token
// verification lives behind this interface so that handlers only ever see a
// resolved identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*RequestContext, error)
}
