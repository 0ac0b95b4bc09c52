package hook

import "sync"

// ChannelStats counts activity for one published channel name. Only channels
// that had at least one matching subscriber get an entry.
type ChannelStats struct {
	// Dispatched is the number of DoAction/ApplyFilters calls.
	Dispatched uint64 `json:"dispatched"`
	// Invoked is the number of subscriber invocations.
	Invoked uint64 `json:"invoked"`
	// Errors is the number of failed invocations.
	Errors uint64 `json:"errors"`
}

// Stats is a point-in-time copy of the bus counters.
type Stats struct {
	Channels      map[string]ChannelStats `json:"channels"`
	Unmatched     uint64                  `json:"unmatched"`
	Errors        uint64                  `json:"errors"`
	ErrorsByOwner map[string]uint64       `json:"errors_by_owner"`
}

type statsCollector struct {
	mu         sync.Mutex
	channels   map[string]*ChannelStats
	unmatchedN uint64
	errors     uint64
	owners     map[string]uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		channels: make(map[string]*ChannelStats),
		owners:   make(map[string]uint64),
	}
}

func (c *statsCollector) channel(name string) *ChannelStats {
	cs := c.channels[name]
	if cs == nil {
		cs = &ChannelStats{}
		c.channels[name] = cs
	}
	return cs
}

func (c *statsCollector) dispatched(name string) {
	c.mu.Lock()
	c.channel(name).Dispatched++
	c.mu.Unlock()
}

// unmatched counts publishes nobody listened to without keeping the channel
// name, so dynamic channel names do not grow the per-channel map.
func (c *statsCollector) unmatched() {
	c.mu.Lock()
	c.unmatchedN++
	c.mu.Unlock()
}

func (c *statsCollector) invoked(name string) {
	c.mu.Lock()
	c.channel(name).Invoked++
	c.mu.Unlock()
}

func (c *statsCollector) failed(name, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel(name).Errors++
	c.errors++
	if owner != "" {
		c.owners[owner]++
	}
}

// Stats returns a snapshot of dispatch counters.
func (b *Bus) Stats() Stats {
	c := b.stats
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Stats{
		Channels:      make(map[string]ChannelStats, len(c.channels)),
		Unmatched:     c.unmatchedN,
		Errors:        c.errors,
		ErrorsByOwner: make(map[string]uint64, len(c.owners)),
	}
	for name, cs := range c.channels {
		out.Channels[name] = *cs
	}
	for owner, n := range c.owners {
		out.ErrorsByOwner[owner] = n
	}
	return out
}
