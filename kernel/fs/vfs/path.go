// Package vfs implements the virtual filesystem layer: path resolution,
// the disk/filesystem-factory/mounted-partition registry, an
// in-memory inode cache tree mirroring the mounted namespace, and
// open-file handles with their traversal chain.
//
// Grounded on original_source/kernel/src/vfs/{mod.rs,path.rs,
// fs_tree.rs,operations.rs,filesystem_trait.rs,inode.rs,file.rs}.
package vfs

import "strings"

// ResolvedPath is a path that has already been split into non-empty
// components with every "." dropped and every ".." popped against its
// preceding component, the way resolve_single_path computes it.
type ResolvedPath []string

// RootPath is the resolved path of the filesystem root.
func RootPath() ResolvedPath { return nil }

// IsRoot reports whether p names the filesystem root.
func (p ResolvedPath) IsRoot() bool { return len(p) == 0 }

// String renders the resolved path in the usual slash-separated form.
func (p ResolvedPath) String() string {
	if len(p) == 0 {
		return "/"
	}
	return "/" + strings.Join(p, "/")
}

// Resolve turns path into a ResolvedPath. A leading "/" makes path
// absolute; otherwise it is resolved relative to workingDir (itself an
// absolute, slash-separated string).
func Resolve(path, workingDir string) ResolvedPath {
	if strings.HasPrefix(path, "/") {
		return resolveSingle(path)
	}
	return resolveSingle(workingDir + "/" + path)
}

func resolveSingle(path string) ResolvedPath {
	var out ResolvedPath
	for _, chunk := range strings.Split(path, "/") {
		switch chunk {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, chunk)
		}
	}
	return out
}
