// Package responsecache implements the Response Cache (spec.md §4.7): TTL
// plus stale-while-revalidate freshness, cross-replica single-flight via the
// KV Store Adapter, and a bloom-filter negative cache, all keyed by the
// cache-key fingerprint from internal/cachekey.
package responsecache

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"
)

// flag byte values prefixed to every wire entry, so a decoder never needs
// out-of-band knowledge of how an entry was encoded.
const (
	flagPlain      byte = 0
	flagGzip       byte = 1
	gzipMagicLevel      = gzip.DefaultCompression
)

// header is one response header as an ordered name/value pair, preserving
// duplicate header names and insertion order on replay.
type header struct {
	Name  string `msgpack:"n"`
	Value string `msgpack:"v"`
}

// wireEntry is the msgpack DTO stored in the KV Store Adapter. Times are
// unix milliseconds so the DTO stays backend-agnostic (no time.Time
// location/monotonic baggage crossing the wire).
type wireEntry struct {
	Status       int      `msgpack:"s"`
	Headers      []header `msgpack:"h"`
	Body         []byte   `msgpack:"b"`
	StoredAtMS   int64    `msgpack:"t0"`
	FreshUntilMS int64    `msgpack:"t1"`
	StaleUntilMS int64    `msgpack:"t2"`
	Origin       string   `msgpack:"o,omitempty"`
}

// Entry is a cached upstream response (spec.md §3's CacheEntry), with the
// invariant StoredAt <= FreshUntil <= StaleUntil.
type Entry struct {
	Status      int
	Headers     []HeaderField
	Body        []byte
	StoredAt    time.Time
	FreshUntil  time.Time
	StaleUntil  time.Time
	Origin      string // route name, carried for diagnostics only
}

// HeaderField is one ordered response header name/value pair.
type HeaderField struct {
	Name  string
	Value string
}

// Freshness classifies an Entry against now.
type Freshness int

const (
	Fresh Freshness = iota
	Stale
	Expired
)

// ClassifyAt reports the entry's freshness at now (spec.md §4.7's
// HIT/STALE/MISS timing rule).
func (e Entry) ClassifyAt(now time.Time) Freshness {
	if !now.After(e.FreshUntil) {
		return Fresh
	}
	if !now.After(e.StaleUntil) {
		return Stale
	}
	return Expired
}

// Age reports how long ago the entry was stored, for the response's Age
// header (spec.md §6).
func (e Entry) Age(now time.Time) time.Duration {
	if now.Before(e.StoredAt) {
		return 0
	}
	return now.Sub(e.StoredAt)
}

// encodeEntry serializes e to its wire form, gzip-compressing the payload
// when it is larger than compressThreshold bytes (SPEC_FULL.md §4.7a).
func encodeEntry(e Entry, compressThreshold int) ([]byte, error) {
	w := wireEntry{
		Status:       e.Status,
		Body:         e.Body,
		StoredAtMS:   e.StoredAt.UnixMilli(),
		FreshUntilMS: e.FreshUntil.UnixMilli(),
		StaleUntilMS: e.StaleUntil.UnixMilli(),
		Origin:       e.Origin,
	}
	w.Headers = make([]header, 0, len(e.Headers))
	for _, h := range e.Headers {
		w.Headers = append(w.Headers, header{Name: h.Name, Value: h.Value})
	}

	payload, err := msgpack.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshaling cache entry: %w", err)
	}

	if compressThreshold <= 0 || len(payload) <= compressThreshold {
		return append([]byte{flagPlain}, payload...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(flagGzip)
	gw, err := gzip.NewWriterLevel(&buf, gzipMagicLevel)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(payload); err != nil {
		gw.Close()
		return nil, fmt.Errorf("gzip-compressing cache entry: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeEntry is the inverse of encodeEntry.
func decodeEntry(raw []byte) (Entry, error) {
	if len(raw) == 0 {
		return Entry{}, fmt.Errorf("decoding cache entry: empty payload")
	}

	flag, payload := raw[0], raw[1:]
	switch flag {
	case flagPlain:
		// payload is the msgpack body as-is.
	case flagGzip:
		gr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return Entry{}, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gr.Close()
		decompressed, err := io.ReadAll(gr)
		if err != nil {
			return Entry{}, fmt.Errorf("gzip-decompressing cache entry: %w", err)
		}
		payload = decompressed
	default:
		return Entry{}, fmt.Errorf("decoding cache entry: unknown flag byte %d", flag)
	}

	var w wireEntry
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return Entry{}, fmt.Errorf("unmarshaling cache entry: %w", err)
	}

	e := Entry{
		Status:     w.Status,
		Body:       w.Body,
		StoredAt:   time.UnixMilli(w.StoredAtMS),
		FreshUntil: time.UnixMilli(w.FreshUntilMS),
		StaleUntil: time.UnixMilli(w.StaleUntilMS),
		Origin:     w.Origin,
	}
	e.Headers = make([]HeaderField, 0, len(w.Headers))
	for _, h := range w.Headers {
		e.Headers = append(e.Headers, HeaderField{Name: h.Name, Value: h.Value})
	}
	return e, nil
}
