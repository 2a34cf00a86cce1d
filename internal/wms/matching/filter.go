package matching

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Rule identifies one of the ordered eligibility checks.
type Rule int

const (
	RuleNone Rule = iota
	RuleSite
	RulePlatform
	RuleResources
	RuleTags
	RuleCredentials
)

var ruleNames = map[Rule]string{
	RuleNone:        "None",
	RuleSite:        "Site",
	RulePlatform:    "Platform",
	RuleResources:   "Resources",
	RuleTags:        "Tags",
	RuleCredentials: "Credentials",
}

func (r Rule) String() string {
	if name, ok := ruleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Rule(%d)", int(r))
}

// Reason explains why a job is not eligible for a capability. The zero value means eligible.
type Reason struct {
	Rule    Rule
	Message string
}

func (r Reason) String() string {
	if r.Rule == RuleNone {
		return "eligible"
	}
	return r.Rule.String() + ": " + r.Message
}

// SiteMask reports whether a site may currently receive work.
type SiteMask interface {
	IsActive(site string) bool
}

// Authorizer decides whether an identity may run at a site.
type Authorizer interface {
	IsAuthorized(identity Identity, site string) bool
}

// FilterConfig holds the tunables of the eligibility filter.
type FilterConfig struct {
	// CPUMarginPercent is added on top of the job's CPU requirement before comparing with the capability.
	CPUMarginPercent float64 `validate:"gte=0"`
	// CompatiblePlatforms maps a pilot platform to the job platforms it can also run.
	CompatiblePlatforms map[string][]string
}

// Filter decides whether a job may run on a capability. It holds no mutable state and is safe for concurrent use.
type Filter struct {
	config     FilterConfig
	siteMask   SiteMask
	authorizer Authorizer
}

func NewFilter(config FilterConfig, siteMask SiteMask, authorizer Authorizer) *Filter {
	return &Filter{
		config:     config,
		siteMask:   siteMask,
		authorizer: authorizer,
	}
}

// IsEligible evaluates the rules in order and stops at the first failure.
func (f *Filter) IsEligible(capability Capability, req Requirements) (bool, Reason) {
	checks := []func(Capability, Requirements) (bool, Reason){
		f.matchesSite,
		f.matchesPlatform,
		f.hasSufficientResources,
		f.hasTags,
		f.isAuthorized,
	}
	for _, check := range checks {
		if ok, reason := check(capability, req); !ok {
			return false, reason
		}
	}
	return true, Reason{}
}

func (f *Filter) matchesSite(capability Capability, req Requirements) (bool, Reason) {
	if !req.AnySite() && !slices.Contains(req.Sites, capability.Site) {
		return false, Reason{Rule: RuleSite, Message: fmt.Sprintf("site %s is not in the job's site list", capability.Site)}
	}
	if slices.Contains(req.BannedSites, capability.Site) {
		return false, Reason{Rule: RuleSite, Message: fmt.Sprintf("site %s is banned by the job", capability.Site)}
	}
	if f.siteMask == nil || !f.siteMask.IsActive(capability.Site) {
		return false, Reason{Rule: RuleSite, Message: fmt.Sprintf("site %s is not active in the site mask", capability.Site)}
	}
	return true, Reason{}
}

func (f *Filter) matchesPlatform(capability Capability, req Requirements) (bool, Reason) {
	if req.Platform == "" || req.Platform == capability.Platform {
		return true, Reason{}
	}
	if slices.Contains(f.config.CompatiblePlatforms[capability.Platform], req.Platform) {
		return true, Reason{}
	}
	return false, Reason{
		Rule:    RulePlatform,
		Message: fmt.Sprintf("job requires platform %s but pilot offers %s", req.Platform, capability.Platform),
	}
}

func (f *Filter) hasSufficientResources(capability Capability, req Requirements) (bool, Reason) {
	required := float64(req.CPUTime) * (1 + f.config.CPUMarginPercent/100)
	if float64(capability.CPUTimeAvailable) < required {
		return false, Reason{
			Rule:    RuleResources,
			Message: fmt.Sprintf("job requires %.0f s of CPU but only %d s are available", required, capability.CPUTimeAvailable),
		}
	}
	if req.MemoryMB > 0 && capability.MemoryMB < req.MemoryMB {
		return false, Reason{
			Rule:    RuleResources,
			Message: fmt.Sprintf("job requires %d MB of memory but only %d MB are available", req.MemoryMB, capability.MemoryMB),
		}
	}
	if req.NumberOfProcessors > 1 && capability.NumberOfProcessors < req.NumberOfProcessors {
		return false, Reason{
			Rule:    RuleResources,
			Message: fmt.Sprintf("job requires %d processors but only %d are available", req.NumberOfProcessors, capability.NumberOfProcessors),
		}
	}
	return true, Reason{}
}

func (f *Filter) hasTags(capability Capability, req Requirements) (bool, Reason) {
	for _, tag := range req.Tags {
		if !slices.Contains(capability.Tags, tag) {
			return false, Reason{Rule: RuleTags, Message: fmt.Sprintf("pilot does not provide tag %s", tag)}
		}
	}
	return true, Reason{}
}

func (f *Filter) isAuthorized(capability Capability, req Requirements) (bool, Reason) {
	if f.authorizer == nil || f.authorizer.IsAuthorized(req.Identity, capability.Site) {
		return true, Reason{}
	}
	return false, Reason{
		Rule: RuleCredentials,
		Message: fmt.Sprintf(
			"group %s of VO %s is not enabled at site %s", req.Identity.OwnerGroup, req.Identity.VO, capability.Site,
		),
	}
}
