// Package router maps recipients to configured provider names.
package router

import (
	"sort"
	"strings"

	"github.com/kursadbilgin/outbound-engine/internal/config"
)

// Router picks the provider for a recipient. An empty name means the
// channel default.
type Router interface {
	BackendName(recipient string) string
}

// Default always defers to the channel default provider.
type Default struct{}

func (Default) BackendName(string) string { return "" }

type route struct {
	key      string
	provider string
}

// Prefix routes phone numbers by their longest matching prefix.
type Prefix struct {
	routes []route
}

func NewPrefix(prefixes map[string]string) *Prefix {
	return &Prefix{routes: sortedRoutes(prefixes, strings.TrimSpace)}
}

func (r *Prefix) BackendName(recipient string) string {
	for _, rt := range r.routes {
		if strings.HasPrefix(recipient, rt.key) {
			return rt.provider
		}
	}
	return ""
}

// Domain routes e-mail addresses by domain, including subdomains.
type Domain struct {
	routes []route
}

func NewDomain(domains map[string]string) *Domain {
	return &Domain{routes: sortedRoutes(domains, func(s string) string {
		return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
	})}
}

func (r *Domain) BackendName(recipient string) string {
	at := strings.LastIndex(recipient, "@")
	if at < 0 {
		return ""
	}
	host := strings.ToLower(recipient[at+1:])
	for _, rt := range r.routes {
		if host == rt.key || strings.HasSuffix(host, "."+rt.key) {
			return rt.provider
		}
	}
	return ""
}

// FromSpec builds the router described by a provider configuration.
func FromSpec(spec config.RouterSpec) Router {
	switch {
	case len(spec.Prefixes) > 0:
		return NewPrefix(spec.Prefixes)
	case len(spec.Domains) > 0:
		return NewDomain(spec.Domains)
	default:
		return Default{}
	}
}

// sortedRoutes orders routes longest key first so the most specific wins.
func sortedRoutes(rules map[string]string, normalize func(string) string) []route {
	routes := make([]route, 0, len(rules))
	for key, provider := range rules {
		key = normalize(key)
		if key == "" {
			continue
		}
		routes = append(routes, route{key: key, provider: provider})
	}
	sort.Slice(routes, func(i, j int) bool {
		if len(routes[i].key) != len(routes[j].key) {
			return len(routes[i].key) > len(routes[j].key)
		}
		return routes[i].key < routes[j].key
	})
	return routes
}
