// Package upstream resolves which inference provider a request targets and
// builds the forwarded request (§4.6), and carries out the dispatch itself
// including SSE tee-parsing for the streaming settlement path (§4.7).
package upstream

import (
	"net/http"
	"strings"

	"github.com/routstr/proxy/internal/catalog"
	"github.com/routstr/proxy/internal/config"
)

// headers stripped before forwarding: hop-by-hop plus this system's own
// sensitive/refund metadata (§4.6).
var strippedHeaders = []string{
	"Host",
	"Content-Length",
	"Refund-Lnurl",
	"Key-Expiry-Time",
	"X-Cashu",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Target is the resolved destination for one request (§4.6).
type Target struct {
	BaseURL  string
	APIKey   string
	Provider catalog.ProviderType
}

// Router resolves (model, path) pairs to an upstream Target.
type Router struct {
	catalog *catalog.Catalog
	def     config.UpstreamConfig
}

// New builds a Router. def is the default upstream used when a model has no
// provider override or is unknown to the catalog.
func New(cat *catalog.Catalog, def config.UpstreamConfig) *Router {
	return &Router{catalog: cat, def: def}
}

// Resolve picks the provider for modelID: a model-specific provider
// override beats the default upstream (§4.6).
func (r *Router) Resolve(modelID string) Target {
	if modelID != "" {
		if model, err := r.catalog.Model(modelID); err == nil {
			if provider, err := r.catalog.Provider(model.UpstreamProviderID); err == nil && provider.BaseURL != "" {
				return Target{BaseURL: provider.BaseURL, APIKey: provider.APIKey, Provider: provider.Type}
			}
		}
	}
	return Target{BaseURL: r.def.BaseURL, APIKey: r.def.APIKey, Provider: catalog.ProviderOpenAICompatible}
}

// BuildURL strips any v1/ prefix from path and joins it onto target's base
// URL (§4.6).
func BuildURL(target Target, path string) string {
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimPrefix(path, "v1/")
	base := strings.TrimRight(target.BaseURL, "/")
	return base + "/" + path
}

// PrepareHeaders copies src, strips hop-by-hop and refund-sensitive
// headers, and replaces Authorization with the upstream's own key (§4.6).
func PrepareHeaders(src http.Header, target Target) http.Header {
	out := src.Clone()
	for _, h := range strippedHeaders {
		out.Del(h)
	}
	if target.APIKey != "" {
		out.Set("Authorization", "Bearer "+target.APIKey)
	} else {
		out.Del("Authorization")
	}
	return out
}
