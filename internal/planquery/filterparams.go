package planquery

// ParseIndexFilter builds an IndexFilter from a generic args/params
// map, accepting both numeric and numeric-string forms for
// priority_min/since_ts/until_ts as the reference handlers do.
func ParseIndexFilter(p map[string]any) IndexFilter {
	var f IndexFilter
	if s := nonEmpty(p["plugin_id"]); s != nil {
		f.PluginID = s
	}
	if s := nonEmpty(p["source"]); s != nil {
		f.Source = s
	}
	if s := nonEmpty(p["kind"]); s != nil {
		f.Kind = s
	}
	if s := nonEmpty(p["type"]); s != nil {
		f.Type = s
	}
	if v, ok := p["priority_min"]; ok {
		if i, ok := parseInt64(v); ok {
			f.PriorityMin = &i
		}
	}
	if v, ok := p["since_ts"]; ok {
		if ts, ok := parseFloat64(v); ok {
			f.SinceTS = &ts
		}
	}
	if v, ok := p["until_ts"]; ok {
		if ts, ok := parseFloat64(v); ok {
			f.UntilTS = &ts
		}
	}
	return f
}

func nonEmpty(v any) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}
