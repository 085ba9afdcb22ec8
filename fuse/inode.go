package fuse

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// MaxInodes is the cap spec.md §3 places on the inode table.
const MaxInodes = 100000

// hostKey identifies the real file backing a guest inode by its host
// device and inode number, independent of the path used to reach it, per
// spec.md §3's "reverse index from (host device-id, host inode) to guest
// inode" — this is what makes two hard-linked names collapse onto the
// same guest inode instead of minting a new one per path.
type hostKey struct {
	dev uint64
	ino uint64
}

func statKey(fi os.FileInfo) (hostKey, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return hostKey{}, false
	}

	return hostKey{dev: uint64(st.Dev), ino: st.Ino}, true
}

type inodeEntry struct {
	path   string // canonical host path
	lookup uint64
	key    hostKey
	hasKey bool
}

// InodeTable maps guest inode numbers to host canonical paths and back, per
// spec.md §3's "Inode table (FUSE)" data model.
type InodeTable struct {
	root          string
	canonicalRoot string

	mu        sync.Mutex
	byIno     map[uint64]*inodeEntry
	byPath    map[string]uint64
	byHostKey map[hostKey]uint64
	nextIno   uint64
}

// NewInodeTable returns a table with the root guest inode (1) bound to
// root, reserved and never forgotten.
func NewInodeTable(root string) *InodeTable {
	t := &InodeTable{
		root:          root,
		canonicalRoot: canonicalize(root),
		byIno:         make(map[uint64]*inodeEntry),
		byPath:        make(map[string]uint64),
		byHostKey:     make(map[hostKey]uint64),
		nextIno:       RootNodeID + 1,
	}

	e := &inodeEntry{path: root, lookup: 1}

	if fi, err := os.Lstat(root); err == nil {
		if key, ok := statKey(fi); ok {
			e.key, e.hasKey = key, true
			t.byHostKey[key] = RootNodeID
		}
	}

	t.byIno[RootNodeID] = e
	t.byPath[root] = RootNodeID

	return t
}

// canonicalize resolves symlinks in path, falling back to path unchanged
// if it cannot be resolved (most commonly because it does not exist yet).
func canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	return path
}

// UnderRoot reports whether path, once its existing prefix is resolved
// through any symlinks, lies at or beneath the table's root — spec.md
// §4.7 safety invariant 2 and §8's quantified canonicalisation invariant.
// A path whose final component does not yet exist (a create-type target,
// e.g. the destination of MKDIR/SYMLINK/CREATE) is checked against its
// nearest existing ancestor instead, since nothing has been resolved
// through yet for a name that isn't there.
func (t *InodeTable) UnderRoot(path string) bool {
	dir := path

	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			rel, relErr := filepath.Rel(t.canonicalRoot, resolved)

			return relErr == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}

		dir = parent
	}
}

// InoForPath returns the guest inode already bound to path, if any, without
// affecting its lookup count. Used for synthesising ".." entries during
// READDIR where a fresh Lookup would be double-counted against the entry
// the parent directory listing already produced.
func (t *InodeTable) InoForPath(path string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ino, ok := t.byPath[path]

	return ino, ok
}

// Path returns the host path bound to ino, or ("", false).
func (t *InodeTable) Path(ino uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byIno[ino]
	if !ok {
		return "", false
	}

	return e.path, true
}

// Lookup returns the guest inode for path, whose metadata fi has already
// been retrieved by the caller (os.Lstat/os.Stat against the validated,
// on-disk path). If the file's host (device, inode) pair is already bound
// to a guest inode — e.g. path reached the same file via a hard link under
// a different name — that inode's lookup count is incremented and reused
// instead of minting a new one, per spec.md §3's host-key reverse index.
// Otherwise a fresh inode is created (or the existing one for this exact
// path is reused and incremented).
func (t *InodeTable) Lookup(path string, fi os.FileInfo) (uint64, error) {
	key, hasKey := statKey(fi)

	t.mu.Lock()
	defer t.mu.Unlock()

	if hasKey {
		if ino, ok := t.byHostKey[key]; ok {
			t.byIno[ino].lookup++
			t.byPath[path] = ino

			return ino, nil
		}
	}

	if ino, ok := t.byPath[path]; ok {
		t.byIno[ino].lookup++

		return ino, nil
	}

	if len(t.byIno) >= MaxInodes {
		return 0, fmt.Errorf("fuse: inode table full")
	}

	ino := t.nextIno
	t.nextIno++

	t.byIno[ino] = &inodeEntry{path: path, lookup: 1, key: key, hasKey: hasKey}
	t.byPath[path] = ino

	if hasKey {
		t.byHostKey[key] = ino
	}

	return ino, nil
}

// Forget decrements ino's lookup count by n, removing the entry (and its
// host-key reverse mapping) once it reaches zero (unless ino is the
// reserved root inode).
func (t *InodeTable) Forget(ino uint64, n uint64) {
	if ino == RootNodeID {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byIno[ino]
	if !ok {
		return
	}

	if n >= e.lookup {
		delete(t.byIno, ino)
		delete(t.byPath, e.path)

		if e.hasKey {
			delete(t.byHostKey, e.key)
		}

		return
	}

	e.lookup -= n
}

// Rebind updates the path bound to ino, used after a successful rename.
// The host key is untouched: the underlying file (and its dev/ino) did
// not change, only the name it's reachable by.
func (t *InodeTable) Rebind(ino uint64, newPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byIno[ino]
	if !ok {
		return
	}

	delete(t.byPath, e.path)
	e.path = newPath
	t.byPath[newPath] = ino
}

// ForgetPath removes the inode bound to path entirely (used after unlink
// of a path with no outstanding lookups tracked elsewhere); a no-op if the
// path was never looked up.
func (t *InodeTable) ForgetPath(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ino, ok := t.byPath[path]
	if !ok || ino == RootNodeID {
		return
	}

	e := t.byIno[ino]

	delete(t.byPath, path)
	delete(t.byIno, ino)

	if e != nil && e.hasKey {
		delete(t.byHostKey, e.key)
	}
}
