package rfs

import "novakernel/kernel"

// btreeOrder matches the 342-children, 341-key node size mod.rs's
// BtreeNode packs into exactly one block; minDegree is the classic
// B-tree minimum degree t such that a node holds at most 2t-1 keys.
const (
	btreeKeys  = 341
	btreeOrder = 342
	minDegree  = 171
)

// btreeKey maps one inode number to the block its inode header lives
// in, the Go twin of btree.rs's Key.
type btreeKey struct {
	Index      uint32
	InodeBlock uint32
}

func (k btreeKey) empty() bool { return k.Index == 0 }

// btreeNode is one 4096-byte tree node: 341 keys and 342 child block
// pointers, read and written whole via structBytes the same way
// onDiskInode is.
type btreeNode struct {
	Keys     [btreeKeys]btreeKey
	Children [btreeOrder]uint32
}

func (n *btreeNode) isLeaf() bool { return n.Children[0] == 0 }
func (n *btreeNode) full() bool   { return !n.Keys[btreeKeys-1].empty() }

// keyCount returns how many of Keys are occupied; keys are kept packed
// at the front of the array, empty() from the first gap onward.
func (n *btreeNode) keyCount() int {
	for i, k := range n.Keys {
		if k.empty() {
			return i
		}
	}
	return btreeKeys
}

func (fs *Rfs) readNode(block uint32) (*btreeNode, *kernel.Error) {
	if cached, ok := fs.nodeCache[block]; ok {
		return cached, nil
	}
	node := &btreeNode{}
	if err := fs.readBlocks(block, 1, structBytes(node)); err != nil {
		return nil, err
	}
	fs.nodeCache[block] = node
	return node, nil
}

func (fs *Rfs) writeNode(block uint32, node *btreeNode) *kernel.Error {
	fs.nodeCache[block] = node
	return fs.writeBlocks(block, 1, structBytes(node))
}

func (fs *Rfs) newNode() (uint32, *btreeNode, *kernel.Error) {
	block, err := fs.allocateBlock()
	if err != nil {
		return 0, nil, err
	}
	node := &btreeNode{}
	if err := fs.writeNode(block, node); err != nil {
		return 0, nil, err
	}
	return block, node, nil
}

// findInodeBlock walks the tree rooted at rootBlock looking for index,
// the Go equivalent of btree.rs's find_inode_block.
func (fs *Rfs) findInodeBlock(rootBlock uint32, index uint32) (uint32, bool, *kernel.Error) {
	block := rootBlock
	for {
		node, err := fs.readNode(block)
		if err != nil {
			return 0, false, err
		}
		count := node.keyCount()
		i := 0
		for ; i < count; i++ {
			if node.Keys[i].Index == index {
				return node.Keys[i].InodeBlock, true, nil
			}
			if node.Keys[i].Index > index {
				break
			}
		}
		if node.isLeaf() {
			return 0, false, nil
		}
		child := node.Children[i]
		if child == 0 {
			return 0, false, nil
		}
		block = child
	}
}

// insertKey inserts key into the tree rooted at rootBlock, proactively
// splitting any full node it descends through (the standard B-tree
// insert shape; original_source's own rotate-before-split heuristic
// accomplishes the same end but its delete-side rebalancing is not
// ported here, so insert uses the simpler textbook algorithm to match),
// and returns the root block (unchanged unless the root itself split).
func (fs *Rfs) insertKey(rootBlock uint32, key btreeKey) (uint32, *kernel.Error) {
	root, err := fs.readNode(rootBlock)
	if err != nil {
		return 0, err
	}
	if !root.full() {
		return rootBlock, fs.insertNonFull(rootBlock, root, key)
	}

	newRootBlock, newRoot, err := fs.newNode()
	if err != nil {
		return 0, err
	}
	newRoot.Children[0] = rootBlock
	if err := fs.splitChild(newRootBlock, newRoot, 0, rootBlock, root); err != nil {
		return 0, err
	}
	return newRootBlock, fs.insertNonFull(newRootBlock, newRoot, key)
}

// splitChild splits the full node at parent.Children[i] (childBlock,
// child) into two nodes joined by a promoted median key written into
// parent at index i.
func (fs *Rfs) splitChild(parentBlock uint32, parent *btreeNode, i int, childBlock uint32, child *btreeNode) *kernel.Error {
	siblingBlock, sibling, err := fs.newNode()
	if err != nil {
		return err
	}

	median := child.Keys[minDegree-1]
	copy(sibling.Keys[:minDegree-1], child.Keys[minDegree:])
	for j := minDegree - 1; j < btreeKeys; j++ {
		child.Keys[j] = btreeKey{}
	}
	if !child.isLeaf() {
		copy(sibling.Children[:minDegree], child.Children[minDegree:])
		for j := minDegree; j < btreeOrder; j++ {
			child.Children[j] = 0
		}
	}

	for j := btreeKeys - 1; j > i; j-- {
		parent.Keys[j] = parent.Keys[j-1]
	}
	for j := btreeOrder - 1; j > i+1; j-- {
		parent.Children[j] = parent.Children[j-1]
	}
	parent.Keys[i] = median
	parent.Children[i+1] = siblingBlock

	if err := fs.writeNode(childBlock, child); err != nil {
		return err
	}
	if err := fs.writeNode(siblingBlock, sibling); err != nil {
		return err
	}
	return fs.writeNode(parentBlock, parent)
}

func (fs *Rfs) insertNonFull(block uint32, node *btreeNode, key btreeKey) *kernel.Error {
	if node.isLeaf() {
		i := node.keyCount() - 1
		for i >= 0 && node.Keys[i].Index > key.Index {
			node.Keys[i+1] = node.Keys[i]
			i--
		}
		node.Keys[i+1] = key
		return fs.writeNode(block, node)
	}

	i := node.keyCount() - 1
	for i >= 0 && node.Keys[i].Index > key.Index {
		i--
	}
	i++
	childBlock := node.Children[i]
	child, err := fs.readNode(childBlock)
	if err != nil {
		return err
	}
	if child.full() {
		if err := fs.splitChild(block, node, i, childBlock, child); err != nil {
			return err
		}
		if key.Index > node.Keys[i].Index {
			i++
			childBlock = node.Children[i]
			child, err = fs.readNode(childBlock)
			if err != nil {
				return err
			}
		}
	}
	return fs.insertNonFull(childBlock, child, key)
}
