package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/playground-sh/playground/internal/models"
)

const (
	// NodePoolLabel marks which pool a node belongs to. Nodes without the
	// label fall into DefaultPoolID.
	NodePoolLabel = "playground.dev/pool"

	DefaultPoolID = "default"

	instanceTypeLabel = "node.kubernetes.io/instance-type"
)

var ErrPoolNotFound = errors.New("pool not found")

// Registry computes pool projections from live cluster node labels. Pools are
// never stored; every lookup reflects the current node set.
type Registry struct {
	client          kubernetes.Interface
	sessionsPerNode int
}

func NewRegistry(client kubernetes.Interface, sessionsPerNode int) *Registry {
	return &Registry{client: client, sessionsPerNode: sessionsPerNode}
}

// GetPool returns the pool with the given id, or ErrPoolNotFound when no node
// carries its label.
func (r *Registry) GetPool(ctx context.Context, id string) (*models.Pool, error) {
	nodes, err := r.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", NodePoolLabel, id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes for pool %s: %w", id, err)
	}
	if len(nodes.Items) == 0 {
		return nil, fmt.Errorf("pool %s: %w", id, ErrPoolNotFound)
	}
	return poolFromNodes(id, nodes.Items), nil
}

// ListPools groups every cluster node by pool label. Unlabeled nodes land in
// the default pool.
func (r *Registry) ListPools(ctx context.Context) ([]models.Pool, error) {
	nodes, err := r.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	grouped := map[string][]corev1.Node{}
	for _, node := range nodes.Items {
		id := node.Labels[NodePoolLabel]
		if id == "" {
			id = DefaultPoolID
		}
		grouped[id] = append(grouped[id], node)
	}

	pools := make([]models.Pool, 0, len(grouped))
	for id, members := range grouped {
		pools = append(pools, *poolFromNodes(id, members))
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools, nil
}

// MaxSessionsAllowed is the coarse capacity bound for a pool: node count
// times the configured per-node session density.
func (r *Registry) MaxSessionsAllowed(p *models.Pool) int {
	return len(p.Nodes) * r.sessionsPerNode
}

func poolFromNodes(id string, nodes []corev1.Node) *models.Pool {
	pool := &models.Pool{ID: id}
	for _, node := range nodes {
		pool.Nodes = append(pool.Nodes, models.Node{Hostname: node.Name})
		// Instance type is best-effort, taken from any one member node.
		if pool.InstanceType == "" {
			pool.InstanceType = node.Labels[instanceTypeLabel]
		}
	}
	return pool
}
