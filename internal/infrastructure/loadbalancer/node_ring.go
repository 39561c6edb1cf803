package loadbalancer

import (
	"crypto/sha256"
	"sort"

	"syncmesh/internal/core/domain"
)

// NodeRing assigns cache keys to edge nodes with rendezvous hashing. A node
// joining or leaving only remaps the keys it owns, which keeps replica
// placement stable across membership churn.
type NodeRing struct{}

func NewNodeRing() *NodeRing {
	return &NodeRing{}
}

// SelectForWrite returns the top-weighted nodes for the key, up to the
// requested replica count.
func (r *NodeRing) SelectForWrite(nodes []*domain.EdgeNode, key string, replicas int) []*domain.EdgeNode {
	if len(nodes) == 0 || replicas <= 0 {
		return nil
	}

	ranked := rankByWeight(nodes, key)
	if replicas > len(ranked) {
		replicas = len(ranked)
	}
	return ranked[:replicas]
}

// SelectForRead picks the highest-weighted holder, narrowing to the
// requester's region when any holder lives there.
func (r *NodeRing) SelectForRead(nodes []*domain.EdgeNode, key string, region string) *domain.EdgeNode {
	if len(nodes) == 0 {
		return nil
	}

	if region != "" {
		var regional []*domain.EdgeNode
		for _, node := range nodes {
			if node.Region == region {
				regional = append(regional, node)
			}
		}
		if len(regional) > 0 {
			nodes = regional
		}
	}

	return rankByWeight(nodes, key)[0]
}

func rankByWeight(nodes []*domain.EdgeNode, key string) []*domain.EdgeNode {
	ranked := append([]*domain.EdgeNode(nil), nodes...)
	weights := make(map[string]uint64, len(ranked))
	for _, node := range ranked {
		weights[node.ID] = hashWeight(key, node.ID)
	}

	sort.Slice(ranked, func(i, j int) bool {
		wi, wj := weights[ranked[i].ID], weights[ranked[j].ID]
		if wi == wj {
			return ranked[i].ID < ranked[j].ID
		}
		return wi > wj
	})
	return ranked
}

func hashWeight(key, nodeID string) uint64 {
	hash := sha256.Sum256([]byte(key + "@" + nodeID))
	return uint64(hash[0])<<56 | uint64(hash[1])<<48 | uint64(hash[2])<<40 | uint64(hash[3])<<32 |
		uint64(hash[4])<<24 | uint64(hash[5])<<16 | uint64(hash[6])<<8 | uint64(hash[7])
}
