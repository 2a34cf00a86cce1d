package matching

import "golang.org/x/exp/slices"

// AllowAll authorizes every identity everywhere.
type AllowAll struct{}

func (AllowAll) IsAuthorized(Identity, string) bool {
	return true
}

// SitePolicy lists, per site, the VOs and groups enabled there.
type SitePolicy struct {
	VOs    []string
	Groups []string
}

// PolicyAuthorizer authorizes identities against a static per-site policy.
// Sites without a policy accept everybody; an empty list in a policy does not restrict that dimension.
type PolicyAuthorizer struct {
	policies map[string]SitePolicy
}

func NewPolicyAuthorizer(policies map[string]SitePolicy) *PolicyAuthorizer {
	return &PolicyAuthorizer{policies: policies}
}

func (a *PolicyAuthorizer) IsAuthorized(identity Identity, site string) bool {
	policy, ok := a.policies[site]
	if !ok {
		return true
	}
	if len(policy.VOs) > 0 && !slices.Contains(policy.VOs, identity.VO) {
		return false
	}
	if len(policy.Groups) > 0 && !slices.Contains(policy.Groups, identity.OwnerGroup) {
		return false
	}
	return true
}

// StaticSiteMask is a fixed set of active sites, mostly useful in tests and tooling.
type StaticSiteMask map[string]bool

func (m StaticSiteMask) IsActive(site string) bool {
	return m[site]
}
