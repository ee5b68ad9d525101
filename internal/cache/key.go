package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/nulpointcorp/edge-gateway/internal/providers"
)

// DeriveHash returns the lowercase hex SHA-256 of body. Empty input is valid.
func DeriveHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Key identifies one cached response: the origin and path the request was
// sent to, the supplier that answered it and the hash of the exact request
// bytes.
type Key struct {
	Scheme   string
	Host     string
	Path     string
	Supplier providers.Supplier
	Hash     string
}

// KeyFor derives the cache key of req for supplier.
func KeyFor(req *providers.Request, supplier providers.Supplier) Key {
	scheme := req.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return Key{
		Scheme:   scheme,
		Host:     req.Host,
		Path:     req.Path,
		Supplier: supplier,
		Hash:     DeriveHash(req.Body()),
	}
}

// String renders the key as <scheme>://<host>/post<path>/<supplier>/<hash>.
func (k Key) String() string {
	var b strings.Builder
	b.Grow(len(k.Scheme) + len(k.Host) + len(k.Path) + len(k.Supplier) + len(k.Hash) + 12)
	b.WriteString(k.Scheme)
	b.WriteString("://")
	b.WriteString(k.Host)
	b.WriteString("/post")
	if !strings.HasPrefix(k.Path, "/") {
		b.WriteByte('/')
	}
	b.WriteString(k.Path)
	b.WriteByte('/')
	b.WriteString(string(k.Supplier))
	b.WriteByte('/')
	b.WriteString(k.Hash)
	return b.String()
}
