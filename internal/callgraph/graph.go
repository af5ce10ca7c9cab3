// Package callgraph folds captured call stacks into a two-tier graph of
// method nodes grouped under package+class cluster nodes, with per-node
// invocation counters that are rearmed every time a snapshot is rendered.
package callgraph

import (
	"sync"

	"github.com/VladMinzatu/yaca/internal/stack"
	"github.com/sirupsen/logrus"
)

const (
	expectedClusters = 1000
	expectedNodes    = 10000
	expectedLinks    = 10000
)

type node struct {
	id        int
	clusterID int
	name      string
	alias     string
	cluster   bool
}

type link struct {
	id       int
	sourceID int
	targetID int
	cluster  bool
}

// Graph is safe for concurrent use. Ingest, Render, Stats and Reset each run
// under one lock, so a Render never observes a partially ingested stack.
//
// Cluster and method nodes live in separate key tables but share one id
// space; counts is indexed by node id.
type Graph struct {
	mu sync.Mutex

	clusters map[string]*node
	methods  map[string]*node
	nodes    []*node
	linkIDs  map[string]*link
	links    []*link

	counts   []int64
	maxCount int64

	logger *logrus.Logger
	trace  bool
}

type Option func(*Graph)

func WithLogger(logger *logrus.Logger) Option {
	return func(g *Graph) { g.logger = logger }
}

// WithTrace logs every node and link resolution at debug level.
func WithTrace(enabled bool) Option {
	return func(g *Graph) { g.trace = enabled }
}

func New(opts ...Option) *Graph {
	g := &Graph{}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logrus.New()
		g.logger.SetLevel(logrus.WarnLevel)
	}
	g.clear()
	return g
}

func (g *Graph) clear() {
	g.clusters = make(map[string]*node, expectedClusters)
	g.methods = make(map[string]*node, expectedNodes)
	g.nodes = make([]*node, 0, expectedNodes)
	g.linkIDs = make(map[string]*link, expectedLinks)
	g.links = make([]*link, 0, expectedLinks)
	g.counts = make([]int64, 0, expectedNodes)
	g.maxCount = 1
}

// Ingest folds one captured stack into the graph. sites is top of stack
// first, so sites[i] is called by sites[i+1]. Fewer than two sites is a no-op.
func (g *Graph) Ingest(sites []stack.CallSite) {
	if len(sites) < 2 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < len(sites)-1; i++ {
		g.add(sites[i], sites[i+1])
	}
}

func (g *Graph) add(target, source stack.CallSite) {
	targetCluster := g.resolveCluster(target)
	sourceCluster := g.resolveCluster(source)

	targetKey := target.MethodKey()
	targetNode := g.resolveMethod(targetKey, target.Alias(), targetCluster)
	g.incrementNodeCount(targetNode)

	sourceKey := source.MethodKey()
	sourceNode := g.resolveMethod(sourceKey, source.Alias(), sourceCluster)
	g.incrementNodeCount(sourceNode)

	g.resolveLink(targetKey+"<-"+sourceKey, sourceNode.id, targetNode.id, false)
	g.resolveLink(targetCluster.name+"<-"+targetKey, targetNode.id, targetCluster.id, true)
	g.resolveLink(sourceCluster.name+"<-"+sourceKey, sourceNode.id, sourceCluster.id, true)
}

func (g *Graph) newNode(name, alias string, cluster bool) *node {
	n := &node{id: len(g.nodes), name: name, alias: alias, cluster: cluster}
	g.nodes = append(g.nodes, n)
	g.counts = append(g.counts, 0)
	return n
}

// resolveCluster never counts: cluster activity stays 0, only methods are counted.
func (g *Graph) resolveCluster(site stack.CallSite) *node {
	key := site.ClusterKey()
	if n, ok := g.clusters[key]; ok {
		return n
	}
	n := g.newNode(key, site.Package, true)
	n.clusterID = n.id
	g.clusters[key] = n
	if g.trace {
		g.logger.WithFields(logrus.Fields{"id": n.id, "key": key}).Debug("created cluster node")
	}
	return n
}

func (g *Graph) resolveMethod(key, alias string, cluster *node) *node {
	n, ok := g.methods[key]
	if !ok {
		n = g.newNode(key, alias, false)
		g.methods[key] = n
	}
	n.alias = alias
	n.clusterID = cluster.id
	if g.trace {
		g.logger.WithFields(logrus.Fields{"id": n.id, "key": key, "clusterId": cluster.id, "new": !ok}).Debug("resolved method node")
	}
	return n
}

func (g *Graph) resolveLink(key string, sourceID, targetID int, cluster bool) {
	l, ok := g.linkIDs[key]
	if !ok {
		l = &link{id: len(g.links), cluster: cluster}
		g.linkIDs[key] = l
		g.links = append(g.links, l)
	}
	l.sourceID = sourceID
	l.targetID = targetID
	if g.trace {
		g.logger.WithFields(logrus.Fields{"id": l.id, "key": key, "new": !ok}).Debug("resolved link")
	}
}

func (g *Graph) incrementNodeCount(n *node) {
	g.counts[n.id]++
	g.maxCount = max(g.maxCount, g.counts[n.id])
}

// rearm zeroes every counter but keeps all identities.
func (g *Graph) rearm() {
	clear(g.counts)
	g.maxCount = 1
}

// Reset drops every node, link and counter. Ids start again at 0.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clear()
	g.logger.Info("Reset counters and clear model")
}

type Stats struct {
	Clusters int
	Nodes    int
	Links    int
	MaxCount int64
}

func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats()
}

func (g *Graph) stats() Stats {
	return Stats{
		Clusters: len(g.clusters),
		Nodes:    len(g.nodes),
		Links:    len(g.links),
		MaxCount: g.maxCount,
	}
}
