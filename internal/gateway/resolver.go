package gateway

import (
	"net"
	"strings"
)

// DomainLookup is the result of resolving a request authority against the
// gateway's domain allow-list.
type DomainLookup struct {
	CanisterID CanisterID
	// Verify is false for "raw" subdomains, where response verification is
	// skipped.
	Verify bool
}

// DomainResolver extracts canister identifiers from request authorities of
// the form <canister-id>.<domain> or <canister-id>.raw.<domain> for the
// configured domains.
type DomainResolver struct {
	domains []string
}

// NewDomainResolver builds a resolver over the given base domains.
func NewDomainResolver(domains []string) *DomainResolver {
	return &DomainResolver{domains: domains}
}

// Resolve parses the authority. It reports ok=false when the authority does
// not name a canister under any configured domain.
func (r *DomainResolver) Resolve(authority string) (DomainLookup, bool) {
	host := stripPort(authority)
	for _, domain := range r.domains {
		if host == domain {
			continue
		}
		prefix, found := strings.CutSuffix(host, "."+domain)
		if !found {
			continue
		}
		verify := true
		if p, raw := strings.CutSuffix(prefix, ".raw"); raw {
			verify = false
			prefix = p
		}
		// Only the leftmost label may carry the canister id.
		if strings.Contains(prefix, ".") {
			continue
		}
		id, err := ParseCanisterID(prefix)
		if err != nil {
			continue
		}
		return DomainLookup{CanisterID: id, Verify: verify}, true
	}
	return DomainLookup{}, false
}

func stripPort(authority string) string {
	if host, _, err := net.SplitHostPort(authority); err == nil {
		return host
	}
	return authority
}
