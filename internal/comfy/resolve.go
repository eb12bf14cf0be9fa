// Package comfy implements the client side of the ComfyUI protocol: endpoint
// resolution, the REST surface (job submission, artifact retrieval, health
// probe), and the push channel delivering execution events.
package comfy

import (
	"net/http"
	"net/url"
	"strings"
)

// ResolveBase normalizes a user-entered host string into an unambiguous base
// address: whitespace trimmed, one trailing slash stripped, and a scheme
// inferred when none is present. secureDefault selects https for schemeless
// hosts; plain deployments keep http so local backends are reachable without
// TLS.
func ResolveBase(host string, secureDefault bool) string {
	base := strings.TrimSpace(host)
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		if secureDefault {
			base = "https://" + base
		} else {
			base = "http://" + base
		}
	}
	return strings.TrimSuffix(base, "/")
}

// AuthHeader builds the authorization headers for a configured bearer token.
// An empty token yields empty headers.
func AuthHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// ViewURL is the retrieval address for one generated artifact descriptor.
func ViewURL(base string, ref ImageRef) string {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)
	return base + "/view?" + q.Encode()
}

// PushURL derives the push-channel address from a resolved base address. A
// secure base yields wss, else ws. The client session id always rides along;
// the bearer token is appended as a query parameter because the push protocol
// has no header-based auth.
func PushURL(base, clientID, token string) string {
	scheme := "ws"
	host := strings.TrimPrefix(base, "http://")
	if strings.HasPrefix(base, "https://") {
		scheme = "wss"
		host = strings.TrimPrefix(base, "https://")
	}
	q := url.Values{}
	q.Set("clientId", clientID)
	if token != "" {
		q.Set("token", token)
	}
	return scheme + "://" + host + "/ws?" + q.Encode()
}
