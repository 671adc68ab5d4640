package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint computes the stable cache/coalescing key for a query.
// The query is canonicalised (trim, collapse whitespace, lowercase) and
// hashed together with the tenant and the whitelisted context keys in
// sorted order. Context keys outside the whitelist never affect the key,
// so cache reuse is maximised by default.
func Fingerprint(query, tenantID string, context map[string]any, whitelist []string) string {
	h := sha256.New()
	h.Write([]byte(canonicalise(query)))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))

	if len(whitelist) > 0 && len(context) > 0 {
		keys := make([]string, 0, len(whitelist))
		for _, k := range whitelist {
			if _, ok := context[k]; ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte{0})
			fmt.Fprintf(h, "%s=%v", k, context[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalise(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}
