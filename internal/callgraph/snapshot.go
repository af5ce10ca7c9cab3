package callgraph

// MaxActivity is the activity of the busiest node in a snapshot.
const MaxActivity = 1000

type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

type Node struct {
	ID        int    `json:"id"`
	ClusterID int    `json:"clusterId"`
	Name      string `json:"name"`
	Alias     string `json:"alias"`
	Calls     int64  `json:"calls"`
	IsCluster bool   `json:"isClusterNode"`
}

type Link struct {
	ID        int  `json:"id"`
	SourceID  int  `json:"sourceId"`
	TargetID  int  `json:"targetId"`
	IsCluster bool `json:"isClusterLink"`
}

// Render returns every node and link in first-seen order, with each node's
// count scaled against the interval maximum into [0, MaxActivity]. Counters
// are rearmed afterwards, so consecutive snapshots report activity since the
// previous one.
func (g *Graph) Render() Snapshot {
	s, _ := g.RenderStats()
	return s
}

// RenderStats is Render that also returns the graph size and interval
// maximum the snapshot was scaled with, taken under the same lock.
func (g *Graph) RenderStats() (Snapshot, Stats) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot{
		Nodes: make([]Node, 0, len(g.nodes)),
		Links: make([]Link, 0, len(g.links)),
	}
	for _, n := range g.nodes {
		s.Nodes = append(s.Nodes, Node{
			ID:        n.id,
			ClusterID: n.clusterID,
			Name:      n.name,
			Alias:     n.alias,
			Calls:     g.counts[n.id] * MaxActivity / g.maxCount,
			IsCluster: n.cluster,
		})
	}
	for _, l := range g.links {
		s.Links = append(s.Links, Link{
			ID:        l.id,
			SourceID:  l.sourceID,
			TargetID:  l.targetID,
			IsCluster: l.cluster,
		})
	}

	stats := g.stats()
	g.rearm()
	return s, stats
}
