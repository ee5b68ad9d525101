package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nulpointcorp/edge-gateway/internal/providers"
)

// Entry is a stored response: the provider's raw success body plus the
// attributes replayed on a hit. Entries are immutable once written.
type Entry struct {
	ContentType  string `json:"content_type"`
	CacheControl string `json:"cache_control"`
	Body         []byte `json:"body"`
}

var errEmptyEntry = errors.New("cache: empty entry")

// NewEntry builds the entry for a successful response body.
func NewEntry(contentType string, body []byte, ttl time.Duration) Entry {
	if contentType == "" {
		contentType = providers.ContentTypeJSON
	}
	return Entry{
		ContentType:  contentType,
		CacheControl: maxAge(ttl),
		Body:         body,
	}
}

// Encode serialises the entry for the store.
func (e Entry) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cache: encode entry: %w", err)
	}
	return b, nil
}

// DecodeEntry parses a stored entry. Anything that does not decode is
// treated by callers as a miss.
func DecodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("cache: decode entry: %w", err)
	}
	if e.ContentType == "" || e.Body == nil {
		return Entry{}, errEmptyEntry
	}
	return e, nil
}

// Response replays the entry as a 200 response.
func (e Entry) Response() *providers.Response {
	h := make(http.Header)
	h.Set("Content-Type", e.ContentType)
	h.Set("Cache-Control", e.CacheControl)
	return &providers.Response{StatusCode: http.StatusOK, Header: h, Body: e.Body}
}

func maxAge(ttl time.Duration) string {
	return "max-age=" + strconv.FormatInt(int64(ttl/time.Second), 10)
}
