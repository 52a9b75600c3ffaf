package monitor

import (
	"context"

	"github.com/codemachine-ai/codemachine/pkg/store"
)

// TreeNode is one agent with its resolved children.
type TreeNode struct {
	Record   *store.AgentRecord `json:"record"`
	Children []*TreeNode        `json:"children,omitempty"`
}

// BuildAgentTree reconstructs the full hierarchy in O(n): one query for all
// records, one pass to index children by parent, one pass to link.
func (m *Monitor) BuildAgentTree(ctx context.Context) ([]*TreeNode, error) {
	records, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int64]*TreeNode, len(records))
	for _, rec := range records {
		nodes[rec.ID] = &TreeNode{Record: rec}
	}

	var roots []*TreeNode
	for _, rec := range records {
		node := nodes[rec.ID]
		if rec.ParentID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[*rec.ParentID]
		if !ok {
			// Orphaned parent pointer; treat as a root rather than drop it.
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	return roots, nil
}

// GetFullSubtree returns id's record and every descendant, depth-first.
func (m *Monitor) GetFullSubtree(ctx context.Context, id int64) ([]*store.AgentRecord, error) {
	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	index, err := m.store.ChildrenIndex(ctx)
	if err != nil {
		return nil, err
	}

	var out []*store.AgentRecord
	var walk func(rec *store.AgentRecord)
	walk = func(rec *store.AgentRecord) {
		out = append(out, rec)
		for _, child := range index[rec.ID] {
			walk(child)
		}
	}
	walk(rec)
	return out, nil
}

// GetAgentsByRoot groups every record under the id of its root ancestor.
func (m *Monitor) GetAgentsByRoot(ctx context.Context) (map[int64][]*store.AgentRecord, error) {
	records, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*store.AgentRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	rootOf := func(rec *store.AgentRecord) int64 {
		for rec.ParentID != nil {
			parent, ok := byID[*rec.ParentID]
			if !ok {
				break
			}
			rec = parent
		}
		return rec.ID
	}

	grouped := make(map[int64][]*store.AgentRecord)
	for _, rec := range records {
		root := rootOf(rec)
		grouped[root] = append(grouped[root], rec)
	}
	return grouped, nil
}

// ClearDescendants deletes id's descendants (not id itself), children
// before parents so the parent foreign key always holds. Used before a
// loop replay re-creates a subtree.
func (m *Monitor) ClearDescendants(ctx context.Context, id int64) error {
	index, err := m.store.ChildrenIndex(ctx)
	if err != nil {
		return err
	}

	var ordered []int64
	var walk func(id int64)
	walk = func(id int64) {
		for _, child := range index[id] {
			walk(child.ID)
			ordered = append(ordered, child.ID)
		}
	}
	walk(id)

	return m.store.DeleteAgents(ctx, ordered)
}

// ClearAll wipes every record and telemetry row.
func (m *Monitor) ClearAll(ctx context.Context) error {
	return m.store.ClearAll(ctx)
}
