// Package auth resolves a bearer credential into an AuthContext via one of
// two interchangeable strategies, selected once from config into a single
// function value — no runtime reflection over the strategy kind.
//
// Grounded on the Python reference's `api_key_strategy`/NUC-strategy pair
// and its `allow_token` bypass decorator; the teacher's
// `internal/service/auth.go` contributes the thin-wrapper-over-verifier
// shape (Firebase verification there becomes credit-service validation
// here).
package auth

import (
	"context"
	"time"

	"github.com/nillion-oss/nilai-gateway/internal/apierror"
	"github.com/nillion-oss/nilai-gateway/internal/nuc"
)

// RateLimits mirrors a user's per-bucket overrides; a zero value falls
// through to process-wide defaults.
type RateLimits struct {
	ChatMinute, ChatHour, ChatDay, ChatForever                     int
	WebSearchMinute, WebSearchHour, WebSearchDay, WebSearchForever int
}

// User is the resolved account behind this request.
type User struct {
	UserID     string
	RateLimits *RateLimits
}

// AuthContext is what every strategy produces for the orchestrator.
type AuthContext struct {
	User             User
	TokenRateLimits  []nuc.RateLimitProof
	DocumentBinding  *nuc.DocumentBinding
	CreditIdentifier string // what the metering bridge bills against
	Bypass           bool   // docs-token short-circuit: no metering, no limits
}

// CreditClient validates a principal against the external credit/metering
// service, auto-provisioning a User row on first use the way the source
// system's `api_key_strategy` does.
type CreditClient interface {
	Validate(ctx context.Context, principal string, isPublic bool) (*User, error)
}

// Strategy resolves a bearer credential into an AuthContext.
type Strategy interface {
	Resolve(ctx context.Context, bearer string) (*AuthContext, error)
}

// Mode names the strategy kind: exactly one of these two shapes, picked
// once at boot.
type Mode string

const (
	ModeCredential Mode = "api_key"
	ModeCapability Mode = "nuc"
)

// New builds the configured strategy, wrapped in the docs-token bypass when
// one is configured.
func New(mode Mode, credit CreditClient, nucOpts nuc.ValidateOptions, bypassToken string) Strategy {
	var base Strategy
	switch mode {
	case ModeCapability:
		base = &capabilityStrategy{credit: credit, opts: nucOpts}
	default:
		base = &credentialStrategy{credit: credit}
	}
	if bypassToken == "" {
		return base
	}
	return &bypassStrategy{token: bypassToken, next: base}
}

// credentialStrategy treats the bearer as an opaque credential validated
// by the credit service; no token limits, no document binding.
type credentialStrategy struct {
	credit CreditClient
}

func (s *credentialStrategy) Resolve(ctx context.Context, bearer string) (*AuthContext, error) {
	if bearer == "" {
		return nil, apierror.Unauthorized("missing bearer credential")
	}
	user, err := s.credit.Validate(ctx, bearer, false)
	if err != nil {
		return nil, apierror.Unauthorized("credential rejected: " + err.Error())
	}
	return &AuthContext{
		User:             *user,
		CreditIdentifier: bearer,
	}, nil
}

// capabilityStrategy parses and validates a capability-token chain,
// extracting rate-limit and document-binding attenuations before calling
// the credit service for the subscription holder.
type capabilityStrategy struct {
	credit CreditClient
	opts   nuc.ValidateOptions
}

func (s *capabilityStrategy) Resolve(ctx context.Context, bearer string) (*AuthContext, error) {
	chain, err := nuc.Parse(bearer)
	if err != nil {
		return nil, apierror.Unauthorized("malformed capability token: " + err.Error())
	}

	opts := s.opts
	opts.Now = time.Now()
	if err := nuc.Validate(chain, opts); err != nil {
		return nil, apierror.Unauthorized(err.Error())
	}

	tokenLimits, err := nuc.RateLimits(chain)
	if err != nil {
		return nil, apierror.Unauthorized(err.Error())
	}

	binding, err := nuc.ExtractDocumentBinding(chain)
	if err != nil {
		return nil, apierror.Unauthorized(err.Error())
	}

	subscriptionHolder, _ := nuc.Principals(chain)

	user, err := s.credit.Validate(ctx, subscriptionHolder.PublicKeyHex, true)
	if err != nil {
		return nil, apierror.Unauthorized("credit account rejected: " + err.Error())
	}

	return &AuthContext{
		User:             *user,
		TokenRateLimits:  tokenLimits,
		DocumentBinding:  binding,
		CreditIdentifier: chain.Root().Issuer.PublicKeyHex,
	}, nil
}

// bypassStrategy short-circuits a configured bypass ("docs") token to a
// synthetic AuthContext with no limits and no metering.
type bypassStrategy struct {
	token string
	next  Strategy
}

func (s *bypassStrategy) Resolve(ctx context.Context, bearer string) (*AuthContext, error) {
	if bearer == s.token {
		return &AuthContext{
			User:   User{UserID: "docs"},
			Bypass: true,
		}, nil
	}
	return s.next.Resolve(ctx, bearer)
}
