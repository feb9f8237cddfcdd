package dispatch

import (
	"net/http"

	"log/slog"

	"github.com/suburbhost/suburb/internal/domain"
	"github.com/suburbhost/suburb/pkg/hostutil"
)

// SiteResolver maps a subdomain to its site descriptor.
type SiteResolver interface {
	Lookup(subdomain string) (domain.SiteDescriptor, bool)
}

// FrontDoor is the HTTP entry point for all site traffic. It resolves the
// Host header to a site and hands the request to the dispatcher.
type FrontDoor struct {
	rootDomain string
	resolver   SiteResolver
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewFrontDoor creates the host-based router for rootDomain.
func NewFrontDoor(rootDomain string, resolver SiteResolver, dispatcher *Dispatcher, logger *slog.Logger) *FrontDoor {
	return &FrontDoor{
		rootDomain: rootDomain,
		resolver:   resolver,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (f *FrontDoor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain, ok := hostutil.Subdomain(r.Host, f.rootDomain)
	if !ok {
		f.logger.Debug("host outside root domain", "host", r.Host)
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}

	site, ok := f.resolver.Lookup(subdomain)
	if !ok {
		http.Error(w, "no such site", http.StatusNotFound)
		return
	}
	f.dispatcher.Dispatch(w, r, site)
}
