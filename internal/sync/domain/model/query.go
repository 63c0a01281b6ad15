package model

import (
	"fmt"
	"sort"
	"strings"
)

// QueryKey structurally identifies one cached result set: which collection,
// which filters, which page. The viewer's scope fingerprint is appended by the
// cache, so the same filters under two different scopes never collide.
type QueryKey struct {
	Kind    EntityKind
	Filters map[string]string
	Page    int
	Limit   int
}

// Canonical renders the key into a stable string. Filters are sorted so two
// structurally equal keys always render identically.
func (k QueryKey) Canonical() string {
	var b strings.Builder
	b.WriteString(string(k.Kind))
	b.WriteByte('?')

	names := make([]string, 0, len(k.Filters))
	for name := range k.Filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		fmt.Fprintf(&b, "%s=%s", name, k.Filters[name])
	}

	fmt.Fprintf(&b, "#page=%d,limit=%d", k.Page, k.Limit)
	return b.String()
}

// WithPage returns a copy of the key pointing at another page.
func (k QueryKey) WithPage(page int) QueryKey {
	cp := k
	cp.Page = page
	cp.Filters = make(map[string]string, len(k.Filters))
	for name, v := range k.Filters {
		cp.Filters[name] = v
	}
	return cp
}
