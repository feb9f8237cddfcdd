package registry

import (
	"net/http"
	"strings"
	"sync"

	"github.com/suburbhost/suburb/internal/domain"
)

// BuiltinTable is the registration table for in-process sites and dynamic
// entry-point handlers. Subsystems populate it before discovery runs; it is
// owned by the caller, not a package-level singleton.
type BuiltinTable struct {
	mu       sync.RWMutex
	order    []string
	sites    map[string]builtinSite
	handlers map[string]http.Handler
}

type builtinSite struct {
	name    string
	handler http.Handler
}

// NewBuiltinTable creates an empty table.
func NewBuiltinTable() *BuiltinTable {
	return &BuiltinTable{
		sites:    map[string]builtinSite{},
		handlers: map[string]http.Handler{},
	}
}

// RegisterSite registers a built-in site under a subdomain. Later
// registrations for the same subdomain win.
func (t *BuiltinTable) RegisterSite(name, subdomain string, handler http.Handler) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if subdomain == "" || handler == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sites[subdomain]; !exists {
		t.order = append(t.order, subdomain)
	}
	t.sites[subdomain] = builtinSite{name: name, handler: handler}
}

// RegisterHandler binds a dynamic-site entry point name to its request
// handler. Dynamic sites reference these by entry_point in their descriptor.
func (t *BuiltinTable) RegisterHandler(entryPoint string, handler http.Handler) {
	entryPoint = strings.TrimSpace(entryPoint)
	if entryPoint == "" || handler == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[entryPoint] = handler
}

// Handler resolves an entry point or built-in subdomain to its handler.
func (t *BuiltinTable) Handler(key string) (http.Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.handlers[key]; ok {
		return h, true
	}
	if s, ok := t.sites[strings.ToLower(key)]; ok {
		return s.handler, true
	}
	return nil, false
}

// Sites returns descriptors for the registered built-ins in registration
// order, appended after filesystem sites during discovery.
func (t *BuiltinTable) Sites(rootDomain string) []domain.SiteDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.SiteDescriptor, 0, len(t.order))
	for _, subdomain := range t.order {
		site := t.sites[subdomain]
		out = append(out, domain.SiteDescriptor{
			Name:      site.name,
			Subdomain: subdomain,
			Type:      domain.SiteBuiltin,
			Domain:    subdomain + "." + rootDomain,
		})
	}
	return out
}
