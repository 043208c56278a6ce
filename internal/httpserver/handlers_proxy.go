package httpserver

import "net/http"

// proxyDispatch routes a /v1/* request to the ephemeral inline-refund
// engine when it carries X-Cashu, and to the reservation-based engine
// otherwise (§4.7 vs §4.8).
func (h *handlers) proxyDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Cashu") != "" {
		h.ephemeral.ServeHTTP(w, r)
		return
	}
	h.proxy.ServeHTTP(w, r)
}
