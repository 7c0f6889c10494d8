package dedupe

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sortClusters(clusters [][]int) [][]int {
	for _, c := range clusters {
		sort.Ints(c)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i][0] < clusters[j][0] })
	return clusters
}

func TestCluster_NoPairsAllSingletons(t *testing.T) {
	clusters := Cluster(3, nil, ClusterConfig{})
	assert.Equal(t, [][]int{{0}, {1}, {2}}, sortClusters(clusters))
}

func TestCluster_BFS_ConnectedComponents(t *testing.T) {
	pairs := []Pair{{I: 0, J: 1, Similarity: 0.9}, {I: 1, J: 2, Similarity: 0.9}, {I: 3, J: 4, Similarity: 0.95}}
	clusters := Cluster(5, pairs, ClusterConfig{LouvainThreshold: 1000})
	got := sortClusters(clusters)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4}}, got)
}

func TestCluster_SingletonsForUntouchedNodes(t *testing.T) {
	pairs := []Pair{{I: 0, J: 1, Similarity: 0.9}}
	clusters := Cluster(4, pairs, ClusterConfig{})
	got := sortClusters(clusters)
	assert.Equal(t, [][]int{{0, 1}, {2}, {3}}, got)
}

func TestCluster_LouvainFallsBackWhenDisabled(t *testing.T) {
	pairs := []Pair{{I: 0, J: 1, Similarity: 0.9}}
	clusters := Cluster(2, pairs, ClusterConfig{LouvainThreshold: 1, DisableLouvain: true})
	assert.Equal(t, [][]int{{0, 1}}, sortClusters(clusters))
}

func TestCluster_LouvainGroupsDenseSubgraphsTogether(t *testing.T) {
	var pairs []Pair
	for i := 0; i < 10; i++ {
		for j := i + 1; j < 10; j++ {
			pairs = append(pairs, Pair{I: i, J: j, Similarity: 0.99})
		}
	}
	for i := 10; i < 20; i++ {
		for j := i + 1; j < 20; j++ {
			pairs = append(pairs, Pair{I: i, J: j, Similarity: 0.99})
		}
	}
	pairs = append(pairs, Pair{I: 5, J: 15, Similarity: 0.5})

	clusters := Cluster(20, pairs, ClusterConfig{LouvainThreshold: 1})
	assert.Len(t, clusters, 2)
	for _, c := range clusters {
		assert.Len(t, c, 10)
	}
}
