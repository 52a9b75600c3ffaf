package monitor

import (
	"context"
	"testing"
)

// seedTree builds:
//
//	root
//	├── child-a
//	│   └── grandchild
//	└── child-b
//	other-root
func seedTree(t *testing.T, m *Monitor) (root, childA, childB, grandchild, otherRoot int64) {
	t.Helper()
	root = register(t, m, RegisterInput{Name: "root"})
	childA = register(t, m, RegisterInput{Name: "child-a", ParentID: &root})
	childB = register(t, m, RegisterInput{Name: "child-b", ParentID: &root})
	grandchild = register(t, m, RegisterInput{Name: "grandchild", ParentID: &childA})
	otherRoot = register(t, m, RegisterInput{Name: "other-root"})
	return
}

func TestBuildAgentTree(t *testing.T) {
	m, _ := newTestMonitor(t)
	root, childA, _, grandchild, otherRoot := seedTree(t, m)

	roots, err := m.BuildAgentTree(context.Background())
	if err != nil {
		t.Fatalf("BuildAgentTree: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("got %d roots, want 2", len(roots))
	}
	if roots[0].Record.ID != root || roots[1].Record.ID != otherRoot {
		t.Errorf("root ids = [%d %d], want [%d %d]",
			roots[0].Record.ID, roots[1].Record.ID, root, otherRoot)
	}

	if len(roots[0].Children) != 2 {
		t.Fatalf("root has %d children, want 2", len(roots[0].Children))
	}
	a := roots[0].Children[0]
	if a.Record.ID != childA || len(a.Children) != 1 || a.Children[0].Record.ID != grandchild {
		t.Errorf("child-a subtree wrong: %+v", a)
	}
	if len(roots[1].Children) != 0 {
		t.Errorf("other-root should be a leaf")
	}
}

func TestGetFullSubtree(t *testing.T) {
	m, _ := newTestMonitor(t)
	root, childA, childB, grandchild, _ := seedTree(t, m)

	records, err := m.GetFullSubtree(context.Background(), root)
	if err != nil {
		t.Fatalf("GetFullSubtree: %v", err)
	}

	want := []int64{root, childA, grandchild, childB}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, id := range want {
		if records[i].ID != id {
			t.Errorf("records[%d].ID = %d, want %d (depth-first order)", i, records[i].ID, id)
		}
	}
}

func TestGetAgentsByRoot(t *testing.T) {
	m, _ := newTestMonitor(t)
	root, _, _, _, otherRoot := seedTree(t, m)

	grouped, err := m.GetAgentsByRoot(context.Background())
	if err != nil {
		t.Fatalf("GetAgentsByRoot: %v", err)
	}
	if len(grouped[root]) != 4 {
		t.Errorf("root group has %d records, want 4", len(grouped[root]))
	}
	if len(grouped[otherRoot]) != 1 {
		t.Errorf("other-root group has %d records, want 1", len(grouped[otherRoot]))
	}
}

func TestClearDescendants(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()
	root, childA, childB, grandchild, otherRoot := seedTree(t, m)

	if err := m.ClearDescendants(ctx, root); err != nil {
		t.Fatalf("ClearDescendants: %v", err)
	}

	// The root itself and the unrelated tree survive.
	for _, id := range []int64{root, otherRoot} {
		if _, err := m.GetAgent(ctx, id); err != nil {
			t.Errorf("agent %d lost: %v", id, err)
		}
	}
	for _, id := range []int64{childA, childB, grandchild} {
		if _, err := m.GetAgent(ctx, id); err == nil {
			t.Errorf("descendant %d still present", id)
		}
	}
}
