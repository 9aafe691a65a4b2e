package authz

import (
	"fmt"
	"strings"
	"time"

	"github.com/upb/authz-gateway/utils"
)

// DefaultTimeout bounds a single decision call when Options.Timeout is unset.
const DefaultTimeout = 5 * time.Second

// Options configures the policy decision point client. All fields are fixed at startup.
type Options struct {
	AuthorizerServiceURL string        `validate:"required,url"`
	PolicyID             string        `validate:"required"`
	PolicyRoot           string        `validate:"required"`
	APIKey               string        `validate:"omitempty"`
	TenantID             string        `validate:"omitempty"`
	Timeout              time.Duration `validate:"gte=0"`
}

// Validate checks that the options are complete
func (o Options) Validate() error {
	if err := utils.ValidateStruct(o); err != nil {
		return fmt.Errorf("invalid authorizer options: %w", err)
	}
	if strings.ContainsAny(o.PolicyRoot, "./") {
		return fmt.Errorf("invalid authorizer options: policy root %q must be a single path segment", o.PolicyRoot)
	}
	return nil
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}
