package dedupe

import "sort"

// ClusterConfig bounds the clustering strategy choice (spec.md §4.4).
type ClusterConfig struct {
	// LouvainThreshold is the distinct-endpoint count at or above which the
	// Louvain-style strategy replaces BFS connected components (default 1000).
	LouvainThreshold int
	// DisableLouvain forces BFS regardless of graph size, used when the
	// Louvain routine's one-time startup capability check fails.
	DisableLouvain bool
}

func (c *ClusterConfig) applyDefaults() {
	if c.LouvainThreshold <= 0 {
		c.LouvainThreshold = 1000
	}
}

// Cluster partitions {0..n-1} using pairs as edges (spec.md §4.4). Nodes
// untouched by any pair form their own singleton cluster. Cluster chooses
// between BFS connected components and Louvain-style modularity communities
// based on the number of distinct endpoints in pairs versus cfg's threshold.
func Cluster(n int, pairs []Pair, cfg ClusterConfig) [][]int {
	cfg.applyDefaults()

	if len(pairs) == 0 {
		return singletons(n)
	}

	distinctNodes := make(map[int]struct{})
	for _, p := range pairs {
		distinctNodes[p.I] = struct{}{}
		distinctNodes[p.J] = struct{}{}
	}

	if !cfg.DisableLouvain && len(distinctNodes) >= cfg.LouvainThreshold {
		return louvainClusters(n, pairs)
	}
	return bfsClusters(n, pairs)
}

func singletons(n int) [][]int {
	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}
	return clusters
}

// bfsClusters computes undirected connected components via iterative BFS.
// Deterministic for a stable input pair list.
func bfsClusters(n int, pairs []Pair) [][]int {
	adj := make(map[int][]int, n)
	for _, p := range pairs {
		adj[p.I] = append(adj[p.I], p.J)
		adj[p.J] = append(adj[p.J], p.I)
	}

	visited := make([]bool, n)
	var clusters [][]int

	for start := 0; start < n; start++ {
		if visited[start] {
			continue
		}
		visited[start] = true
		component := []int{start}
		queue := []int{start}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			neighbors := append([]int(nil), adj[node]...)
			sort.Ints(neighbors)
			for _, nb := range neighbors {
				if !visited[nb] {
					visited[nb] = true
					component = append(component, nb)
					queue = append(queue, nb)
				}
			}
		}
		sort.Ints(component)
		clusters = append(clusters, component)
	}

	return clusters
}

// louvainClusters runs a single-pass greedy modularity optimization: each
// node starts in its own community and repeatedly moves to the neighboring
// community that most increases modularity, until no move improves it. This
// is a simplified, single-level variant of the Louvain method (no recursive
// community aggregation), adequate at the node counts where it is selected
// (spec.md §4.4's large-graph threshold exists to bound BFS's queue growth,
// not to guarantee optimal modularity). Falls back to BFS if it cannot
// proceed (e.g. disconnected weight data).
func louvainClusters(n int, pairs []Pair) [][]int {
	weight := make(map[[2]int]float64)
	degree := make([]float64, n)
	var totalWeight float64

	for _, p := range pairs {
		key := [2]int{p.I, p.J}
		w := float64(p.Similarity)
		weight[key] += w
		degree[p.I] += w
		degree[p.J] += w
		totalWeight += w
	}
	if totalWeight == 0 {
		return bfsClusters(n, pairs)
	}

	community := make([]int, n)
	for i := range community {
		community[i] = i
	}

	neighbors := make(map[int][]int, n)
	for _, p := range pairs {
		neighbors[p.I] = append(neighbors[p.I], p.J)
		neighbors[p.J] = append(neighbors[p.J], p.I)
	}

	edgeWeight := func(a, b int) float64 {
		key := [2]int{a, b}
		if a > b {
			key = [2]int{b, a}
		}
		return weight[key]
	}

	improved := true
	for pass := 0; improved && pass < 20; pass++ {
		improved = false
		for node := 0; node < n; node++ {
			currentComm := community[node]
			// gainFor scores joining comm with node first taken out of its
			// own community, so staying put is weighed like any other move.
			gainFor := func(comm int) float64 {
				var linkWeight float64
				for _, nb2 := range neighbors[node] {
					if community[nb2] == comm {
						linkWeight += edgeWeight(node, nb2)
					}
				}
				sumTot := totalSumInComm(degree, community, comm)
				if comm == currentComm {
					sumTot -= degree[node]
				}
				return linkWeight - degree[node]*sumTot/(2*totalWeight)
			}
			best := currentComm
			bestGain := gainFor(currentComm)

			seen := map[int]bool{currentComm: true}
			for _, nb := range neighbors[node] {
				comm := community[nb]
				if seen[comm] {
					continue
				}
				seen[comm] = true

				gain := gainFor(comm)
				if gain > bestGain {
					bestGain = gain
					best = comm
				}
			}

			if best != currentComm {
				community[node] = best
				improved = true
			}
		}
	}

	grouped := make(map[int][]int)
	for node, comm := range community {
		grouped[comm] = append(grouped[comm], node)
	}

	clusters := make([][]int, 0, len(grouped))
	for _, members := range grouped {
		sort.Ints(members)
		clusters = append(clusters, members)
	}
	sort.Slice(clusters, func(a, b int) bool { return clusters[a][0] < clusters[b][0] })
	return clusters
}

func totalSumInComm(degree []float64, community []int, comm int) float64 {
	var sum float64
	for node, c := range community {
		if c == comm {
			sum += degree[node]
		}
	}
	return sum
}
