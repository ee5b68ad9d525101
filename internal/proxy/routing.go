package proxy

import (
	"strings"

	"github.com/nulpointcorp/edge-gateway/internal/providers"
)

// cachedVersion is the only path version served through the response cache.
const cachedVersion = "v2"

// supplierHeader names the request header consulted when the path carries
// no supplier segment.
const supplierHeader = "supplier"

// parseRoute extracts the version and supplier id from an edge request path
// such as "/v2/gemini/chat". Empty segments count as absent, so "//gemini"
// yields an empty version. The supplier falls back to header and then to
// providers.DefaultSupplier.
func parseRoute(path, header string) (version, supplier string) {
	segments := strings.Split(path, "/")
	// segments[0] is the empty string before the leading slash.
	if len(segments) > 1 {
		version = segments[1]
	}
	if len(segments) > 2 {
		supplier = segments[2]
	}
	if supplier == "" {
		supplier = strings.TrimSpace(header)
	}
	if supplier == "" {
		supplier = string(providers.DefaultSupplier)
	}
	return version, supplier
}
