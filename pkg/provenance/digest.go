package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Digest computes the stable content digest of a value: SHA-256 over its
// canonical JSON form (object keys sorted, no insignificant whitespace).
func Digest(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		enc, _ := json.Marshal(t)
		b.Write(enc)
	case float64:
		enc, _ := json.Marshal(t)
		b.Write(enc)
	case int:
		writeCanonical(b, float64(t))
	case int64:
		writeCanonical(b, float64(t))
	case json.Number:
		b.WriteString(t.String())
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	default:
		// Round-trip unknown Go types through JSON into the cases above.
		raw, err := json.Marshal(t)
		if err != nil {
			b.WriteString(fmt.Sprintf("%q", fmt.Sprint(t)))
			return
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			b.Write(raw)
			return
		}
		writeCanonical(b, decoded)
	}
}
