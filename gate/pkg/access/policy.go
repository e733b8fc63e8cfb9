package access

import (
	"fmt"

	"github.com/malbeclabs/stakegate/gate/pkg/tier"
)

// EndpointPolicy is what an endpoint demands of its callers.
type EndpointPolicy struct {
	MinTier      tier.Tier
	RequireAuth  bool
	AllowPayment bool
}

// Policies maps endpoints (chi route patterns) to their policy.
type Policies struct {
	Default   EndpointPolicy
	Endpoints map[string]EndpointPolicy
}

// For returns the policy of endpoint, or Default.
func (p Policies) For(endpoint string) EndpointPolicy {
	if ep, ok := p.Endpoints[endpoint]; ok {
		return ep
	}
	return p.Default
}

func (p Policies) Validate() error {
	if !p.Default.MinTier.Valid() {
		return fmt.Errorf("default policy has invalid tier %d", p.Default.MinTier)
	}
	for endpoint, ep := range p.Endpoints {
		if !ep.MinTier.Valid() {
			return fmt.Errorf("endpoint %s has invalid tier %d", endpoint, ep.MinTier)
		}
	}
	return nil
}
