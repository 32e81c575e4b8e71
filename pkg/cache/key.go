package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// bodyEncoding is RFC 8949 core deterministic encoding: map keys are sorted,
// array order is kept.
var bodyEncoding = mustBodyEncMode()

func mustBodyEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: cbor enc mode: %v", err))
	}
	return em
}

// CacheKey describes one logical upstream request.
type CacheKey struct {
	// Method is the HTTP method (empty means GET)
	Method string

	// Endpoint is the upstream path (e.g., "/catalog/categories")
	Endpoint string

	// QueryParams are the query parameters after defaults were filled in
	QueryParams url.Values

	// Body is the request body for POST/PUT (nil for reads)
	Body any
}

// String generates a deterministic cache key string.
// Format: METHOD escaped-path[?sorted-query][ body=sha256]
//
// Example:
//
//	GET /catalog/categories/all/products?includesale=true&shipmentcity=Moscow
func (k CacheKey) String() string {
	s, err := k.Build()
	if err != nil {
		// Bodies that cannot be normalized still get a unique, stable key.
		return s + " body=!" + hex.EncodeToString(sha256Sum([]byte(fmt.Sprintf("%#v", k.Body))))
	}
	return s
}

// Build is like String but reports bodies that cannot be canonicalized.
func (k CacheKey) Build() (string, error) {
	var b strings.Builder

	method := strings.ToUpper(strings.TrimSpace(k.Method))
	if method == "" {
		method = "GET"
	}
	b.WriteString(method)
	b.WriteByte(' ')

	endpoint := k.Endpoint
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	// EscapedPath escapes spaces, '?' and '#', which keeps the separators below unambiguous.
	b.WriteString((&url.URL{Path: endpoint}).EscapedPath())

	// Encode sorts by key
	if q := k.QueryParams.Encode(); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}

	if k.Body == nil {
		return b.String(), nil
	}

	digest, err := BodyDigest(k.Body)
	if err != nil {
		return b.String(), err
	}
	b.WriteString(" body=")
	b.WriteString(digest)

	return b.String(), nil
}

// BodyDigest returns the hex SHA-256 of the canonical encoding of body.
//
// The body is first normalized to a JSON tree so that a struct, a map and the
// decoded JSON of the same document produce the same digest. Map keys are
// sorted; element order inside arrays is significant. Numbers keep their exact
// value, so integers beyond float64 precision never share a digest.
func BodyDigest(body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("normalize body: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return "", fmt.Errorf("normalize body: %w", err)
	}

	canonical, err := bodyEncoding.Marshal(canonicalNumbers(tree))
	if err != nil {
		return "", fmt.Errorf("canonicalize body: %w", err)
	}

	return hex.EncodeToString(sha256Sum(canonical)), nil
}

// rationalTag is the CBOR tag for a rational number [numerator, denominator].
const rationalTag = 30

// canonicalNumbers replaces every json.Number in a decoded JSON tree with an
// exact value: integers become big.Int and decimals a reduced fraction.
func canonicalNumbers(v any) any {
	switch v := v.(type) {
	case map[string]any:
		for k, elem := range v {
			v[k] = canonicalNumbers(elem)
		}
		return v
	case []any:
		for i, elem := range v {
			v[i] = canonicalNumbers(elem)
		}
		return v
	case json.Number:
		return canonicalNumber(string(v))
	default:
		return v
	}
}

func canonicalNumber(lit string) any {
	if !strings.ContainsAny(lit, ".eE") {
		if n, ok := new(big.Int).SetString(lit, 10); ok {
			return n
		}
		return lit
	}

	// Exponents are parsed as float64; big.Rat would expand 1e999999999.
	if strings.ContainsAny(lit, "eE") {
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return cbor.Tag{Number: rationalTag, Content: lit}
		}
		if f == math.Trunc(f) && math.Abs(f) <= 1<<53 {
			return big.NewInt(int64(f))
		}
		return f
	}

	r, ok := new(big.Rat).SetString(lit)
	if !ok {
		return lit
	}
	if r.IsInt() {
		return new(big.Int).Set(r.Num())
	}
	return cbor.Tag{Number: rationalTag, Content: []*big.Int{r.Num(), r.Denom()}}
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// FillDefaults returns a copy of params where every parameter named in defaults
// that is absent or empty is set to its default value.
// Callers fill defaults before building a key, so a request that omits an
// optional parameter shares its key with one that sets the default explicitly.
func FillDefaults(params url.Values, defaults map[string]string) url.Values {
	out := make(url.Values, len(params)+len(defaults))
	for key, values := range params {
		out[key] = append([]string(nil), values...)
	}

	for key, value := range defaults {
		if out.Get(key) == "" {
			out.Set(key, value)
		}
	}

	return out
}
