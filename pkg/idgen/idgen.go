package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator mints 64-bit, time-ordered, per-host-monotone task ids.
type Generator struct {
	node *snowflake.Node
}

// New creates a generator. The host is a singleton, so node id 0 is fine;
// the parameter exists for tests that want disjoint id spaces.
func New(nodeID int64) (*Generator, error) {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create id node: %w", err)
	}
	return &Generator{node: n}, nil
}

// Next returns a fresh task id.
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}
