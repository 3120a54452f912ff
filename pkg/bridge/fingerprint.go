package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint computes a deterministic cache key over
// {command-kind, model, normalized-parameters} such that semantically equal
// commands collide. Map entries are ordered by key; null and absent are
// kept distinct because a present key is always written with its value
// (null as "null"), while an absent key is not written at all.
func Fingerprint(commandKind, model string, params map[string]any) string {
	var b strings.Builder
	b.WriteString(normalizeString(commandKind))
	b.WriteByte('\x00')
	b.WriteString(normalizeString(model))
	b.WriteByte('\x00')
	writeNormalizedParams(&b, params)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// writeNormalizedParams serializes params deterministically: keys sorted,
// each value tagged with a type marker so e.g. the string "1" and the
// number 1 never collide, and nested maps recursed into with the same
// ordering rule.
func writeNormalizedParams(b *strings.Builder, params map[string]any) {
	if params == nil {
		b.WriteString("nil")
		return
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(normalizeString(k))
		b.WriteByte('=')
		writeNormalizedValue(b, params[k])
	}
	b.WriteByte('}')
}

func writeNormalizedValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		b.WriteString("s:")
		b.WriteString(normalizeString(t))
	case map[string]any:
		writeNormalizedParams(b, t)
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeNormalizedValue(b, e)
		}
		b.WriteByte(']')
	default:
		fmt.Fprintf(b, "v:%v", t)
	}
}

// normalizeString applies Unicode NFC normalization so that visually
// identical but differently-encoded strings (e.g. combining diacritics vs.
// precomposed characters) collide in the fingerprint.
func normalizeString(s string) string {
	return norm.NFC.String(s)
}
