package config

// Tier is a priority bucket of connection profile ids. Higher priority is
// preferred.
type Tier struct {
	Name        string
	Priority    int
	Connections []string
}

// BaseRouteMetric is the smallest route metric assigned to non-selected
// active connections of this tier (high=105, medium=205, low=305).
func (t *Tier) BaseRouteMetric() int {
	return 100*(4-t.Priority) + 5
}

var tierOrder = []struct {
	name     string
	priority int
}{
	{"high", 3},
	{"medium", 2},
	{"low", 1},
}

func emptyTiers() []*Tier {
	tiers := make([]*Tier, 0, len(tierOrder))
	for _, t := range tierOrder {
		tiers = append(tiers, &Tier{Name: t.name, Priority: t.priority})
	}
	return tiers
}

func tiersFromMap(m map[string][]string) []*Tier {
	tiers := emptyTiers()
	for _, tier := range tiers {
		tier.Connections = append(tier.Connections, m[tier.Name]...)
	}
	return tiers
}
