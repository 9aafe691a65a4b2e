// Package authz queries an external policy decision point for route access decisions.
package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upb/authz-gateway/authn"
	"github.com/upb/authz-gateway/internal/httpclient"
	"github.com/upb/authz-gateway/internal/observability"
	"go.uber.org/zap"
)

var (
	// ErrDecisionDenied is returned when the decision point explicitly denies access
	ErrDecisionDenied = errors.New("authorization denied")

	// ErrAuthorizerUnreachable is returned when no decision could be obtained
	ErrAuthorizerUnreachable = errors.New("authorizer unreachable")
)

const (
	isPath           = "/api/v1/authz/is"
	decisionTreePath = "/api/v1/authz/decisiontree"

	identityTypeJWT  = "IDENTITY_TYPE_JWT"
	identityTypeNone = "IDENTITY_TYPE_NONE"

	decisionAllowed = "allowed"
)

// Request describes the access being checked.
type Request struct {
	Identity *authn.Identity
	Method   string
	// Pattern is the matched route pattern, e.g. /api/projects/{id}
	Pattern string
	Params  map[string]string
}

// Decision is the outcome of a single policy query. It is never cached.
type Decision struct {
	Allowed bool
	Path    string
	Reason  string
}

// DisplayStateMap maps each policy path to its visible/enabled decisions.
type DisplayStateMap map[string]map[string]bool

type identityContext struct {
	Type     string `json:"type"`
	Identity string `json:"identity,omitempty"`
}

type policyContext struct {
	ID        string   `json:"id"`
	Path      string   `json:"path"`
	Decisions []string `json:"decisions"`
}

type isRequest struct {
	IdentityContext identityContext   `json:"identity_context"`
	PolicyContext   policyContext     `json:"policy_context"`
	ResourceContext map[string]string `json:"resource_context"`
}

type isResponse struct {
	Decisions []struct {
		Decision string `json:"decision"`
		Is       bool   `json:"is"`
	} `json:"decisions"`
}

type decisionTreeOptions struct {
	PathSeparator string `json:"path_separator"`
}

type decisionTreeRequest struct {
	IdentityContext identityContext     `json:"identity_context"`
	PolicyContext   policyContext       `json:"policy_context"`
	ResourceContext map[string]string   `json:"resource_context"`
	Options         decisionTreeOptions `json:"options"`
}

type decisionTreeResponse struct {
	PathRoot string          `json:"path_root"`
	Path     DisplayStateMap `json:"path"`
}

// Client talks to the decision point. It is safe for concurrent use.
type Client struct {
	http    *httpclient.Client
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewClient validates opts and creates a new Client
func NewClient(opts Options, logger *zap.Logger, metrics *observability.Metrics) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	headers := map[string]string{
		"aserto-tenant-id": opts.TenantID,
	}
	if opts.APIKey != "" {
		headers["Authorization"] = "basic " + opts.APIKey
	}

	return &Client{
		http:    httpclient.New(opts.AuthorizerServiceURL, opts.timeout(), headers),
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Authorize asks the decision point whether req may proceed.
//
// An explicit deny returns the decision together with an error wrapping
// ErrDecisionDenied. Any failure to obtain a decision wraps ErrAuthorizerUnreachable;
// there is no fallback to allow.
func (c *Client) Authorize(ctx context.Context, req Request) (*Decision, error) {
	path := PolicyPath(c.opts.PolicyRoot, req.Method, req.Pattern)

	body := isRequest{
		IdentityContext: identityFor(req.Identity),
		PolicyContext: policyContext{
			ID:        c.opts.PolicyID,
			Path:      path,
			Decisions: []string{decisionAllowed},
		},
		ResourceContext: resourceContext(req.Params),
	}

	var resp isResponse
	if err := c.http.PostJSON(ctx, isPath, body, &resp); err != nil {
		c.metrics.RecordPolicyDecision("error")
		c.logger.Warn("authorizer request failed",
			zap.String("policy_path", path),
			zap.Int("status", httpclient.StatusCode(err)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrAuthorizerUnreachable, err)
	}

	for _, d := range resp.Decisions {
		if d.Decision != decisionAllowed {
			continue
		}
		decision := &Decision{Allowed: d.Is, Path: path}
		if !d.Is {
			decision.Reason = fmt.Sprintf("policy %s did not allow access", path)
			c.metrics.RecordPolicyDecision("deny")
			return decision, fmt.Errorf("%w: %s", ErrDecisionDenied, decision.Reason)
		}
		c.metrics.RecordPolicyDecision("allow")
		return decision, nil
	}

	c.metrics.RecordPolicyDecision("error")
	c.logger.Warn("authorizer response has no allowed decision", zap.String("policy_path", path))
	return nil, fmt.Errorf("%w: response for %s has no %q decision", ErrAuthorizerUnreachable, path, decisionAllowed)
}

// DisplayStateMap returns the visible and enabled decisions of every path under
// the policy root for identity.
func (c *Client) DisplayStateMap(ctx context.Context, identity *authn.Identity) (DisplayStateMap, error) {
	start := time.Now()
	body := decisionTreeRequest{
		IdentityContext: identityFor(identity),
		PolicyContext: policyContext{
			ID:        c.opts.PolicyID,
			Path:      c.opts.PolicyRoot,
			Decisions: []string{"visible", "enabled"},
		},
		ResourceContext: map[string]string{},
		Options:         decisionTreeOptions{PathSeparator: "PATH_SEPARATOR_SLASH"},
	}

	var resp decisionTreeResponse
	if err := c.http.PostJSON(ctx, decisionTreePath, body, &resp); err != nil {
		c.logger.Warn("decision tree request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrAuthorizerUnreachable, err)
	}
	if resp.Path == nil {
		resp.Path = DisplayStateMap{}
	}

	c.logger.Debug("decision tree fetched",
		zap.Int("paths", len(resp.Path)),
		zap.Duration("duration", time.Since(start)))
	return resp.Path, nil
}

func identityFor(identity *authn.Identity) identityContext {
	if identity == nil || identity.Token == "" {
		return identityContext{Type: identityTypeNone}
	}
	return identityContext{Type: identityTypeJWT, Identity: identity.Token}
}

func resourceContext(params map[string]string) map[string]string {
	rc := make(map[string]string, len(params))
	for k, v := range params {
		rc[k] = v
	}
	return rc
}
