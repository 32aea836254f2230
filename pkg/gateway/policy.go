package gateway

import "strings"

// DefaultCacheable lists the endpoint prefixes whose GET responses are worth
// keeping for offline reads.
var DefaultCacheable = []string{
	"/fridge/",
	"/recipe/",
	"/meal",
	"/shopping/",
	"/user/group/",
	"/food/categories",
	"/food/units",
}

// Policy decides which endpoints are cached.
type Policy struct {
	Prefixes []string
}

// Cacheable reports whether endpoint starts with an allowed prefix.
func (p Policy) Cacheable(endpoint string) bool {
	for _, pre := range p.Prefixes {
		if strings.HasPrefix(endpoint, pre) {
			return true
		}
	}
	return false
}
