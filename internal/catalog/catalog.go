// Package catalog holds the ordered POI category catalog that defines
// canonical crawl order (spec.md §3). It is frozen for the life of a
// process once built.
package catalog

import "strings"

// Entry is one POI category: a human label and its pipe-delimited vendor
// category-code expression.
type Entry struct {
	Label string
	Codes string
}

// Catalog is an ordered, immutable list of categories. Iteration order is
// significant: it defines the canonical resume order for the crawl engine.
type Catalog struct {
	entries []Entry
	index   map[string]int
}

// New builds a Catalog from an ordered entry list.
func New(entries []Entry) *Catalog {
	idx := make(map[string]int, len(entries))
	for i, e := range entries {
		idx[e.Label] = i
	}
	return &Catalog{entries: entries, index: idx}
}

// Entries returns the ordered entries. Callers must not mutate the result.
func (c *Catalog) Entries() []Entry {
	return c.entries
}

// First returns the first category label, or "" if the catalog is empty.
func (c *Catalog) First() string {
	if len(c.entries) == 0 {
		return ""
	}
	return c.entries[0].Label
}

// Contains reports whether label names a known category.
func (c *Catalog) Contains(label string) bool {
	_, ok := c.index[label]
	return ok
}

// CodesFor returns the vendor category-code expression for label.
func (c *Catalog) CodesFor(label string) (string, bool) {
	i, ok := c.index[label]
	if !ok {
		return "", false
	}
	return c.entries[i].Codes, true
}

// From returns the entries starting at (and including) label, in canonical
// order. If label is unknown or empty, it returns the full catalog — the
// crawl engine uses this to implement its "skip until current_type" resume
// rule (spec.md §4.6 step 3-4).
func (c *Catalog) From(label string) []Entry {
	if label == "" {
		return c.entries
	}
	i, ok := c.index[label]
	if !ok {
		return c.entries
	}
	return c.entries[i:]
}

// Len returns the number of categories in the catalog.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// ParseSpec parses the POI_TYPES env format: "label=code|code,label2=code".
// Order is preserved from left to right, mirroring the insertion order of
// the Python source's POI_TYPES dict literal. Empty entries are skipped.
func ParseSpec(spec string) []Entry {
	var entries []Entry
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		label := strings.TrimSpace(kv[0])
		codes := strings.TrimSpace(kv[1])
		if label == "" || codes == "" {
			continue
		}
		entries = append(entries, Entry{Label: label, Codes: codes})
	}
	return entries
}

// Default is the AMap POI category catalog shipped as a fallback when
// POI_TYPES is not configured, transcribed from
// original_source/app/core/config.py's Config.POI_TYPES.
func Default() *Catalog {
	return New([]Entry{
		{Label: "交通设施服务", Codes: "150104|150200|150400|150500"},
		{Label: "风景名胜", Codes: "110000|110200"},
		{Label: "住宿服务", Codes: "100000|100100|100101|100102|100103|100104|100105|100200|100201"},
		{Label: "商务住宅", Codes: "120000|120100|120200|120201|120202|120203|120300"},
		{Label: "生活服务", Codes: "070000|070100|070200|070300|070400|070500|070600|070700|070800|070900|071000|071100|071200|071300|071400"},
		{Label: "体育休闲", Codes: "080000|080100|080200|080300|080400|080500|080600"},
		{Label: "医疗保健", Codes: "090000|090100|090200|090300|090400|090500|090600"},
		{Label: "餐饮服务", Codes: "050000|050100|050200|050300|050400|050500|050600|050700|050800"},
		{Label: "购物服务", Codes: "060000|060100|060200|060300|060400|060500|060600|060700|060800|060900"},
		{Label: "科教文化", Codes: "140000|140100|140200|140300|140400|140500|140600|140700|140800"},
		{Label: "公司企业", Codes: "170000|170100|170200|170300"},
		{Label: "金融保险", Codes: "160000|160100|160200|160300|160400"},
		{Label: "政府机构", Codes: "130000|130100|130200|130300|130400"},
		{Label: "汽车服务", Codes: "030000|030100|030200|030300|030400|030500|030600|030700|030800|030900|031000|031100|031200"},
		{Label: "汽车销售", Codes: "040000|040100|040200|040300|040400|040500"},
	})
}

// Load builds the catalog from the POI_TYPES env spec, falling back to the
// built-in default when spec is empty.
func Load(spec string) *Catalog {
	entries := ParseSpec(spec)
	if len(entries) == 0 {
		return Default()
	}
	return New(entries)
}
