package curator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
)

// tierKeys maps the top-level keys curators use to tiers. Agents drift
// between singular and plural forms and older prompts call below_fold
// "signals".
var tierKeys = []struct {
	key  string
	tier store.Tier
}{
	{"must_know", store.TierMustKnow},
	{"should_know", store.TierShouldKnow},
	{"quick_signal", store.TierQuickSignal},
	{"quick_signals", store.TierQuickSignal},
	{"below_fold", store.TierBelowFold},
	{"signals", store.TierBelowFold},
}

// ParseSelections decodes curator output. It accepts the canonical
// {"items": [...]} form and the tiered form keyed by tier name, and repairs
// the shape drift agents commonly produce: "title" or "one_liner" instead of
// "headline", items given as bare strings, "link"/"links" instead of source
// objects, and below-fold items grouped in an object keyed by cluster.
func ParseSelections(data []byte) (*Result, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse selections: %w", err)
	}

	res := &Result{}
	if items, ok := doc["items"].([]any); ok {
		for _, raw := range items {
			if sel, ok := normalize(raw, "", ""); ok {
				res.Items = append(res.Items, sel)
			}
		}
		return res, nil
	}

	for _, tk := range tierKeys {
		switch v := doc[tk.key].(type) {
		case []any:
			for _, raw := range v {
				if sel, ok := normalize(raw, tk.tier, ""); ok {
					res.Items = append(res.Items, sel)
				}
			}
		case map[string]any:
			clusters := make([]string, 0, len(v))
			for name := range v {
				clusters = append(clusters, name)
			}
			sort.Strings(clusters)
			for _, name := range clusters {
				list, _ := v[name].([]any)
				for _, raw := range list {
					if sel, ok := normalize(raw, tk.tier, name); ok {
						res.Items = append(res.Items, sel)
					}
				}
			}
		}
	}
	return res, nil
}

// normalize turns one raw item into a Selection. Items without any usable
// headline are dropped.
func normalize(raw any, tier store.Tier, cluster string) (Selection, bool) {
	sel := Selection{Tier: tier, Cluster: cluster}

	switch v := raw.(type) {
	case string:
		sel.Headline = strings.TrimSpace(v)
	case map[string]any:
		sel.Headline = firstString(v, "headline", "title", "one_liner")
		sel.Summary = firstString(v, "summary")
		sel.UpdateOf = firstString(v, "update_of")
		if t := firstString(v, "tier"); t != "" {
			sel.Tier = store.Tier(t)
		}
		if c := firstString(v, "cluster", "region"); c != "" {
			sel.Cluster = c
		}
		sel.Sources, sel.Links = sourceRefs(v)
	}

	if sel.Headline == "" {
		return Selection{}, false
	}
	if sel.Tier != store.TierBelowFold {
		sel.Cluster = ""
	}
	return sel, true
}

func sourceRefs(v map[string]any) (names, links []string) {
	add := func(ref any) {
		switch r := ref.(type) {
		case string:
			if isLink(r) {
				links = append(links, r)
			} else if r != "" {
				names = append(names, r)
			}
		case map[string]any:
			if n := firstString(r, "name", "id"); n != "" {
				names = append(names, n)
			}
			if u := firstString(r, "url", "link"); u != "" {
				links = append(links, u)
			}
		}
	}

	switch s := v["sources"].(type) {
	case []any:
		for _, ref := range s {
			add(ref)
		}
	case string:
		add(s)
	}
	if s, ok := v["source"]; ok {
		add(s)
	}
	for _, key := range []string{"link", "url"} {
		if u, ok := v[key].(string); ok && u != "" {
			links = append(links, u)
		}
	}
	if ls, ok := v["links"].([]any); ok {
		for _, l := range ls {
			if u, ok := l.(string); ok && u != "" {
				links = append(links, u)
			}
		}
	}
	return names, links
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func isLink(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
