package rfs

import "testing"

// TestBtreeRootSplitsAfterExceedingCapacity inserts one more key than a
// single node holds and checks insertKey returns a new two-level root,
// with every inserted key still searchable afterward.
func TestBtreeRootSplitsAfterExceedingCapacity(t *testing.T) {
	fs, _ := newTestFs(t, 4096)

	root := rootInodeTreeBlock
	// The format fixture already seeds one key (RootInodeIndex) at
	// rootInodeTreeBlock; insert enough additional distinct keys to push
	// the node past its btreeKeys (341) capacity and force a split.
	for i := uint32(0); i < btreeKeys+1; i++ {
		index := 1000 + i
		block := 2000 + i
		newRoot, err := fs.insertKey(root, btreeKey{Index: index, InodeBlock: block})
		if err != nil {
			t.Fatalf("insertKey(%d): %v", index, err)
		}
		root = newRoot
	}

	if root == rootInodeTreeBlock {
		t.Fatal("expected the root to have split into a new block")
	}

	node, err := fs.readNode(root)
	if err != nil {
		t.Fatalf("readNode(new root): %v", err)
	}
	if node.isLeaf() {
		t.Fatal("expected the new root to be an internal node with two children")
	}
	if node.keyCount() != 1 {
		t.Fatalf("got %d keys at the new root want 1", node.keyCount())
	}

	block, found, err := fs.findInodeBlock(root, 1000+btreeKeys)
	if err != nil {
		t.Fatalf("findInodeBlock: %v", err)
	}
	if !found || block != 2000+btreeKeys {
		t.Fatalf("got (%d, %v) want (%d, true)", block, found, 2000+btreeKeys)
	}

	if _, found, err := fs.findInodeBlock(root, 999999); err != nil {
		t.Fatalf("findInodeBlock(999999): %v", err)
	} else if found {
		t.Fatal("expected 999999 not to be found")
	}
}
