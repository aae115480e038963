package busstore

// State is the fixed registry of six named stores, created once at
// startup, with capacity profiles derived from a single
// (maxlen, topicMax) base pair per spec.md §3's table.
type State struct {
	stores map[string]*Store
	order  []string
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// NewState constructs the six stores — messages, events, lifecycle,
// runs, export, memory — with derived capacity profiles. maxlen and
// topicMax are the base values from which every store's profile is
// scaled.
func NewState(maxlen, topicMax int) *State {
	profiles := []struct {
		name     string
		maxlen   int
		topicMax int
	}{
		{"messages", maxlen, topicMax},
		{"events", maxOf(maxlen/2, 10000), maxOf(topicMax/2, 1000)},
		{"lifecycle", maxOf(maxlen/20, 1000), maxOf(topicMax/4, 500)},
		{"runs", maxOf(maxlen/40, 500), maxOf(topicMax/10, 200)},
		{"export", maxOf(maxlen/4, 5000), maxOf(topicMax/4, 500)},
		{"memory", maxOf(maxlen/10, 2000), maxOf(topicMax/2, 1000)},
	}

	s := &State{
		stores: make(map[string]*Store, len(profiles)),
		order:  make([]string, 0, len(profiles)),
	}
	for _, p := range profiles {
		s.stores[p.name] = NewStore(p.name, p.maxlen, p.topicMax)
		s.order = append(s.order, p.name)
	}
	return s
}

// Store returns the named store, or nil if name is not one of the six
// fixed stores.
func (s *State) Store(name string) *Store {
	return s.stores[name]
}

// StoreNames returns the six store names in their fixed creation
// order, for introspection (bus.describe).
func (s *State) StoreNames() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
