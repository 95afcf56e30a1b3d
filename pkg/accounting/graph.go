package accounting

import (
	"math"
)

const (
	// balanceWeight scales how far an edge's tree usage sits from the even
	// split across competing allocations.
	balanceWeight = 1.0

	// timeWeight scales the time-to-expiration term, measured in days.
	timeWeight = 1.0 / (24 * 60 * 60)

	// overAllocationCost prices the synthetic over-allocation edges high
	// enough that they are only used once every nominal path is exhausted.
	overAllocationCost = 1e12
)

// flowGraph is a dense residual graph over a leaf wallet and its reachable
// ancestors. Node 0 is the synthetic root; when over-allocation edges are
// requested each wallet node i has a mirror at i + size/2.
type flowGraph struct {
	size     int
	adjacent [][]int64
	initial  [][]int64
	cost     [][]float64
	original [][]bool

	// indexToWallet maps node index to wallet id; index 0 is the root
	// sentinel (wallet id 0). Mirror nodes map to the mirrored wallet.
	indexToWallet []int32
	walletIndex   map[int32]int

	root int
	leaf int

	// realNodes is the node count before mirroring.
	realNodes int
	mirrored  bool
}

// usageDelta is a change in tree usage on a real child-to-parent edge,
// read back off the graph after a flow run.
type usageDelta struct {
	parent int32
	child  int32
	delta  int64
}

// excessDelta is flow admitted through a wallet's over-allocation edge.
type excessDelta struct {
	wallet int32
	delta  int64
}

// BuildFlowGraph constructs the residual graph for a leaf wallet. The
// traversal walks breadth-first from the leaf through AllocationsByParent,
// including only groups with at least one active allocation. When
// withOverAllocation is set, every non-leaf wallet gains a high-cost mirror
// path from the root bounded by its over-allocation headroom.
func (s *Store) BuildFlowGraph(leaf *Wallet, withOverAllocation bool) *flowGraph {
	s.activateDueAllocations(leaf)

	// Discover nodes: root sentinel first, then the leaf, then ancestors in
	// BFS order.
	indexToWallet := []int32{0, leaf.ID}
	walletIndex := map[int32]int{0: 0, leaf.ID: 1}

	queue := []*Wallet{leaf}
	for len(queue) > 0 {
		wallet := queue[0]
		queue = queue[1:]
		for parentID, group := range wallet.AllocationsByParent {
			if !s.groupHasActive(group) {
				continue
			}
			if _, seen := walletIndex[parentID]; seen {
				continue
			}
			walletIndex[parentID] = len(indexToWallet)
			indexToWallet = append(indexToWallet, parentID)
			if parent := s.walletsByID[parentID]; parent != nil {
				s.activateDueAllocations(parent)
				queue = append(queue, parent)
			}
		}
	}

	realNodes := len(indexToWallet)
	size := realNodes
	if withOverAllocation {
		size = realNodes * 2
	}

	g := &flowGraph{
		size:          size,
		adjacent:      makeInt64Matrix(size),
		initial:       nil,
		cost:          makeFloat64Matrix(size),
		original:      makeBoolMatrix(size),
		indexToWallet: indexToWallet,
		walletIndex:   walletIndex,
		root:          0,
		leaf:          1,
		realNodes:     realNodes,
		mirrored:      withOverAllocation,
	}

	now := s.now()
	for _, walletID := range indexToWallet[1:] {
		wallet := s.walletsByID[walletID]
		if wallet == nil {
			continue
		}
		childIdx := walletIndex[walletID]
		preferred := s.preferredBalance(wallet)

		for parentID, group := range wallet.AllocationsByParent {
			if !s.groupHasActive(group) {
				continue
			}
			parentIdx, ok := walletIndex[parentID]
			if !ok {
				continue
			}

			capacity := s.GroupActiveQuota(group) - group.TreeUsage
			if capacity < 0 {
				capacity = 0
			}

			balanceTerm := float64(group.TreeUsage-preferred) * balanceWeight
			timeTerm := group.EarliestExpiration.Sub(now).Seconds() * timeWeight
			edgeCost := balanceTerm * timeTerm

			g.adjacent[parentIdx][childIdx] = capacity
			g.adjacent[childIdx][parentIdx] = group.TreeUsage
			g.cost[parentIdx][childIdx] = edgeCost
			g.cost[childIdx][parentIdx] = -edgeCost
			g.original[parentIdx][childIdx] = true
		}
	}

	if withOverAllocation {
		for idx := 1; idx < realNodes; idx++ {
			if idx == g.leaf {
				continue
			}
			wallet := s.walletsByID[indexToWallet[idx]]
			if wallet == nil {
				continue
			}
			headroom := s.overAllocationHeadroom(wallet)
			if headroom <= 0 && wallet.ExcessUsage <= 0 {
				continue
			}
			mirror := idx + realNodes
			g.adjacent[g.root][mirror] = headroom
			g.adjacent[mirror][idx] = headroom
			// Already-admitted excess is reverse residual: refunds unwind it
			// before touching nominal paths, since the reverse cost makes the
			// bypass the cheapest usage to release.
			g.adjacent[idx][mirror] = wallet.ExcessUsage
			g.adjacent[mirror][g.root] = wallet.ExcessUsage
			g.cost[g.root][mirror] = overAllocationCost
			g.cost[mirror][g.root] = -overAllocationCost
			g.cost[mirror][idx] = overAllocationCost
			g.cost[idx][mirror] = -overAllocationCost
		}
	}

	g.initial = copyInt64Matrix(g.adjacent)
	return g
}

// groupHasActive reports whether at least one allocation in the group is
// active.
func (s *Store) groupHasActive(group *AllocationGroup) bool {
	for _, active := range group.Allocations {
		if active {
			return true
		}
	}
	return false
}

// preferredBalance is the even split of a wallet's attributed usage across
// its active parent edges.
func (s *Store) preferredBalance(wallet *Wallet) int64 {
	var total int64
	var edges int64
	for _, group := range wallet.AllocationsByParent {
		if !s.groupHasActive(group) {
			continue
		}
		total += group.TreeUsage
		edges++
	}
	if edges == 0 {
		return 0
	}
	return total / edges
}

// overAllocationHeadroom is how much usage a wallet may still admit past its
// own active quota because it has over-committed quota to children. Already
// admitted excess is subtracted.
func (s *Store) overAllocationHeadroom(wallet *Wallet) int64 {
	headroom := wallet.TotalAllocated - s.ActiveQuota(wallet) - wallet.ExcessUsage
	if headroom < 0 {
		return 0
	}
	return headroom
}

// MaxFlow computes the maximum flow between two nodes with Edmonds-Karp:
// repeated BFS for augmenting paths over positive residual edges.
func (g *flowGraph) MaxFlow(source, sink int) int64 {
	var total int64
	parent := make([]int, g.size)

	for {
		for i := range parent {
			parent[i] = -1
		}
		parent[source] = source

		queue := []int{source}
		for len(queue) > 0 && parent[sink] == -1 {
			u := queue[0]
			queue = queue[1:]
			for v := 0; v < g.size; v++ {
				if parent[v] == -1 && g.adjacent[u][v] > 0 {
					parent[v] = u
					queue = append(queue, v)
				}
			}
		}
		if parent[sink] == -1 {
			return total
		}

		bottleneck := int64(math.MaxInt64)
		for v := sink; v != source; v = parent[v] {
			if residual := g.adjacent[parent[v]][v]; residual < bottleneck {
				bottleneck = residual
			}
		}
		for v := sink; v != source; v = parent[v] {
			g.adjacent[parent[v]][v] -= bottleneck
			g.adjacent[v][parent[v]] += bottleneck
		}
		total += bottleneck
	}
}

// MinCostFlow pushes up to desired units of flow from source to sink,
// repeatedly choosing the simple path with the lowest average edge cost.
// Average rather than total cost avoids biasing toward unnecessarily long
// paths. Returns the flow actually pushed, which may fall short of desired.
func (g *flowGraph) MinCostFlow(source, sink int, desired int64) int64 {
	var pushed int64
	for pushed < desired {
		path := g.cheapestPath(source, sink)
		if path == nil {
			break
		}

		bottleneck := desired - pushed
		for i := 1; i < len(path); i++ {
			if residual := g.adjacent[path[i-1]][path[i]]; residual < bottleneck {
				bottleneck = residual
			}
		}
		if bottleneck <= 0 {
			break
		}
		for i := 1; i < len(path); i++ {
			g.adjacent[path[i-1]][path[i]] -= bottleneck
			g.adjacent[path[i]][path[i-1]] += bottleneck
		}
		pushed += bottleneck
	}
	return pushed
}

// cheapestPath enumerates simple paths breadth-first and returns the one
// with the lowest average edge cost, or nil when the sink is unreachable.
// There is deliberately no global visited set: a node pruned on one path may
// still lie on a cheaper path discovered later.
func (g *flowGraph) cheapestPath(source, sink int) []int {
	type candidate struct {
		node    int
		cost    float64
		path    []int
		visited []bool
	}

	var best []int
	bestAvg := math.Inf(1)

	start := candidate{
		node:    source,
		path:    []int{source},
		visited: make([]bool, g.size),
	}
	start.visited[source] = true

	queue := []candidate{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.node == sink {
			avg := current.cost / float64(len(current.path)-1)
			if avg < bestAvg {
				bestAvg = avg
				best = current.path
			}
			continue
		}

		for next := 0; next < g.size; next++ {
			if current.visited[next] || g.adjacent[current.node][next] <= 0 {
				continue
			}
			visited := make([]bool, g.size)
			copy(visited, current.visited)
			visited[next] = true

			path := make([]int, len(current.path), len(current.path)+1)
			copy(path, current.path)
			path = append(path, next)

			queue = append(queue, candidate{
				node:    next,
				cost:    current.cost + g.cost[current.node][next],
				path:    path,
				visited: visited,
			})
		}
	}
	return best
}

// usageDeltas reads, off the original wallet-to-parent edges, how much each
// edge's tree usage changed since the graph was built.
func (g *flowGraph) usageDeltas() []usageDelta {
	var deltas []usageDelta
	for parent := 0; parent < g.realNodes; parent++ {
		for child := 0; child < g.realNodes; child++ {
			if !g.original[parent][child] {
				continue
			}
			delta := g.initial[parent][child] - g.adjacent[parent][child]
			if delta == 0 {
				continue
			}
			deltas = append(deltas, usageDelta{
				parent: g.indexToWallet[parent],
				child:  g.indexToWallet[child],
				delta:  delta,
			})
		}
	}
	return deltas
}

// excessDeltas reads the flow admitted through over-allocation mirror edges.
// Negative deltas are refunds unwinding previously admitted excess.
func (g *flowGraph) excessDeltas() []excessDelta {
	if !g.mirrored {
		return nil
	}
	var deltas []excessDelta
	for idx := 1; idx < g.realNodes; idx++ {
		mirror := idx + g.realNodes
		delta := g.initial[mirror][idx] - g.adjacent[mirror][idx]
		if delta != 0 {
			deltas = append(deltas, excessDelta{wallet: g.indexToWallet[idx], delta: delta})
		}
	}
	return deltas
}

func makeInt64Matrix(size int) [][]int64 {
	m := make([][]int64, size)
	for i := range m {
		m[i] = make([]int64, size)
	}
	return m
}

func makeFloat64Matrix(size int) [][]float64 {
	m := make([][]float64, size)
	for i := range m {
		m[i] = make([]float64, size)
	}
	return m
}

func makeBoolMatrix(size int) [][]bool {
	m := make([][]bool, size)
	for i := range m {
		m[i] = make([]bool, size)
	}
	return m
}

func copyInt64Matrix(src [][]int64) [][]int64 {
	dst := make([][]int64, len(src))
	for i := range src {
		dst[i] = make([]int64, len(src[i]))
		copy(dst[i], src[i])
	}
	return dst
}
