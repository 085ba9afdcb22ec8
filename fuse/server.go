package fuse

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Server dispatches FUSE requests against one exported directory tree,
// enforcing spec.md §4.7's safety invariants: no "."/".."/empty component
// names cross the wire, every resolved path stays under Root, mutating ops
// fail against a read-only share, and reads/writes are capped at MaxIOLen.
type Server struct {
	Root     string
	ReadOnly bool

	log *logrus.Entry

	inodes  *InodeTable
	handles *HandleTable
}

// NewServer returns a server exporting root.
func NewServer(root string, readOnly bool, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Server{
		Root:     root,
		ReadOnly: readOnly,
		log:      log,
		inodes:   NewInodeTable(root),
		handles:  NewHandleTable(),
	}
}

// Dispatch decodes one FUSE request (in) and returns the bytes to write
// back to the virtqueue: an out-header alone on error, or an out-header
// plus opcode-specific body on success.
func (s *Server) Dispatch(in []byte) []byte {
	if len(in) < InHeaderLen {
		return nil
	}

	h := DecodeInHeader(in)
	body := in[InHeaderLen:]

	switch h.Opcode {
	case OpInit:
		return s.handleInit(h)
	case OpLookup:
		return s.handleLookup(h, body)
	case OpForget:
		return s.handleForget(h, body)
	case OpBatchForget:
		return s.handleBatchForget(h, body)
	case OpGetattr:
		return s.handleGetattr(h)
	case OpSetattr:
		return s.handleSetattr(h, body)
	case OpReadlink:
		return s.handleReadlink(h)
	case OpSymlink:
		return s.handleSymlink(h, body)
	case OpMkdir:
		return s.handleMkdir(h, body)
	case OpMknod:
		return errorReply(h.Unique, syscall.ENOSYS)
	case OpUnlink:
		return s.handleUnlink(h, body)
	case OpRmdir:
		return s.handleRmdir(h, body)
	case OpRename:
		return s.handleRename(h, body)
	case OpLink:
		return s.handleLink(h, body)
	case OpCreate:
		return s.handleCreate(h, body)
	case OpOpen:
		return s.handleOpen(h, body)
	case OpOpendir:
		return s.handleOpendir(h, body)
	case OpRead:
		return s.handleRead(h, body)
	case OpWrite:
		return s.handleWrite(h, body)
	case OpRelease:
		return s.handleRelease(h, body)
	case OpReleasedir:
		return s.handleReleasedir(h, body)
	case OpFlush:
		return okReply(h.Unique, nil)
	case OpFsync, OpFsyncdir:
		return s.handleFsync(h, body)
	case OpAccess:
		return okReply(h.Unique, nil)
	case OpStatfs:
		return s.handleStatfs(h)
	case OpReaddir:
		return s.handleReaddir(h, body)
	default:
		return errorReply(h.Unique, syscall.ENOSYS)
	}
}

func (s *Server) handleInit(h InHeader) []byte {
	flags := uint32(FeatureAsyncRead | FeatureBigWrites | FeatureAtomicOTrunc | FeatureExportSupport | FeatureParallelDirops | FeatureMaxPages)

	// fuse_init_out, 64 bytes at minor 31.
	out := make([]byte, 64)
	writeU32(out[0:4], ProtoMajor)
	writeU32(out[4:8], ProtoMinor)
	writeU32(out[8:12], 0) // max_readahead
	writeU32(out[12:16], flags)
	writeU32(out[20:24], MaxWrite)
	writeU32(out[24:28], 1) // time_gran: 1ns
	out[28], out[29] = byte(MaxPages&0xff), byte(MaxPages>>8)

	return okReply(h.Unique, out)
}

// resolve maps a guest inode to its canonical host path.
func (s *Server) resolve(ino uint64) (string, bool) {
	return s.inodes.Path(ino)
}

// safeJoin appends name to parent, rejecting "", ".", ".." and any
// traversal that would escape s.Root. It only checks the join lexically;
// callers must additionally call resolvePath (which wraps this) to reject
// symlink-based escapes, per spec.md §4.7 safety invariants 1-2.
func (s *Server) safeJoin(parent, name string) (string, bool) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return "", false
	}

	joined := filepath.Join(parent, name)
	rel, err := filepath.Rel(s.Root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}

	return joined, true
}

// resolvePath validates name against parent, returning the host path to
// operate on, or a nonzero errno: EINVAL for a malformed name (empty,
// "." / "..", or containing "/"), EACCES if the path — once any symlinks
// in it are resolved — would escape s.Root. The EACCES check canonicalises
// the path (filepath.EvalSymlinks) rather than trusting the lexical join,
// so a symlink created under the root that points outside it (e.g.
// SYMLINK(root, "escape", "/etc") followed by LOOKUP(root, "escape"))
// is caught here instead of being silently followed, per spec.md §4.7
// safety invariant 2 and the canonicalisation invariant in §8.
func (s *Server) resolvePath(parent, name string) (string, syscall.Errno) {
	path, ok := s.safeJoin(parent, name)
	if !ok {
		return "", syscall.EINVAL
	}

	if !s.inodes.UnderRoot(path) {
		return "", syscall.EACCES
	}

	return path, 0
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}

	return string(b)
}

func writeU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func attrFromStat(ino uint64, fi os.FileInfo) Attr {
	st, _ := fi.Sys().(*syscall.Stat_t)

	a := Attr{
		Ino:     ino,
		Size:    uint64(fi.Size()),
		Mode:    uint32(fi.Mode()),
		Nlink:   1,
		Blksize: 4096,
	}

	if st != nil {
		a.Blocks = uint64(st.Blocks)
		a.Nlink = uint32(st.Nlink)
		a.UID = st.Uid
		a.GID = st.Gid
		a.Rdev = uint32(st.Rdev)
		a.Atime = uint64(st.Atim.Sec)
		a.Mtime = uint64(st.Mtim.Sec)
		a.Ctime = uint64(st.Ctim.Sec)
	} else {
		now := uint64(time.Now().Unix())
		a.Atime, a.Mtime, a.Ctime = now, now, now
	}

	return a
}

func (s *Server) entryOut(ino uint64, fi os.FileInfo) []byte {
	e := EntryOut{
		NodeID:     ino,
		EntryValid: 1,
		AttrValid:  1,
		Attr:       attrFromStat(ino, fi),
	}

	return e.encode()
}

func (s *Server) handleLookup(h InHeader, body []byte) []byte {
	parent, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	name := cString(body)

	path, errno := s.resolvePath(parent, name)
	if errno != 0 {
		return errorReply(h.Unique, errno)
	}

	fi, err := os.Lstat(path)
	if err != nil {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	ino, err := s.inodes.Lookup(path, fi)
	if err != nil {
		return errorReply(h.Unique, syscall.ENOSPC)
	}

	return okReply(h.Unique, s.entryOut(ino, fi))
}

func (s *Server) handleForget(h InHeader, body []byte) []byte {
	if len(body) < 8 {
		return nil
	}

	n := readU64(body[0:8])
	s.inodes.Forget(h.NodeID, n)

	return nil // FORGET has no reply
}

func (s *Server) handleBatchForget(h InHeader, body []byte) []byte {
	if len(body) < 8 {
		return nil
	}

	count := readU32(body[0:4])
	off := 8

	for i := uint32(0); i < count && off+16 <= len(body); i++ {
		ino := readU64(body[off : off+8])
		n := readU64(body[off+8 : off+16])
		s.inodes.Forget(ino, n)
		off += 16
	}

	return nil
}

func (s *Server) handleGetattr(h InHeader) []byte {
	path, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	fi, err := os.Lstat(path)
	if err != nil {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	out := make([]byte, 16)
	body := append(out, attrFromStat(h.NodeID, fi).encode()...)

	return okReply(h.Unique, body)
}

func (s *Server) handleSetattr(h InHeader, body []byte) []byte {
	if s.ReadOnly {
		return errorReply(h.Unique, syscall.EROFS)
	}

	path, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	if len(body) >= 16 {
		valid := readU32(body[0:4])
		const faSize = 1 << 3
		const faMode = 1 << 0

		if valid&faSize != 0 && len(body) >= 24 {
			size := readU64(body[16:24])
			_ = os.Truncate(path, int64(size))
		}

		if valid&faMode != 0 && len(body) >= 72 {
			mode := readU32(body[68:72])
			_ = os.Chmod(path, os.FileMode(mode&0o7777))
		}
	}

	fi, err := os.Lstat(path)
	if err != nil {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	out := make([]byte, 16)
	respBody := append(out, attrFromStat(h.NodeID, fi).encode()...)

	return okReply(h.Unique, respBody)
}

func (s *Server) handleReadlink(h InHeader) []byte {
	path, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	target, err := os.Readlink(path)
	if err != nil {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	return okReply(h.Unique, []byte(target))
}

func (s *Server) handleSymlink(h InHeader, body []byte) []byte {
	if s.ReadOnly {
		return errorReply(h.Unique, syscall.EROFS)
	}

	parent, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	nameEnd := strings.IndexByte(string(body), 0)
	if nameEnd < 0 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	name := string(body[:nameEnd])
	target := cString(body[nameEnd+1:])

	path, errno := s.resolvePath(parent, name)
	if errno != 0 {
		return errorReply(h.Unique, errno)
	}

	if err := os.Symlink(target, path); err != nil {
		return errorReply(h.Unique, syscall.EEXIST)
	}

	fi, err := os.Lstat(path)
	if err != nil {
		return errorReply(h.Unique, syscall.EIO)
	}

	ino, err := s.inodes.Lookup(path, fi)
	if err != nil {
		return errorReply(h.Unique, syscall.ENOSPC)
	}

	return okReply(h.Unique, s.entryOut(ino, fi))
}

func (s *Server) handleMkdir(h InHeader, body []byte) []byte {
	if s.ReadOnly {
		return errorReply(h.Unique, syscall.EROFS)
	}

	if len(body) < 8 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	mode := readU32(body[0:4])
	name := cString(body[8:])

	parent, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	path, errno := s.resolvePath(parent, name)
	if errno != 0 {
		return errorReply(h.Unique, errno)
	}

	if err := os.Mkdir(path, os.FileMode(mode&0o7777)); err != nil {
		return errorReply(h.Unique, syscall.EEXIST)
	}

	fi, err := os.Lstat(path)
	if err != nil {
		return errorReply(h.Unique, syscall.EIO)
	}

	ino, err := s.inodes.Lookup(path, fi)
	if err != nil {
		return errorReply(h.Unique, syscall.ENOSPC)
	}

	return okReply(h.Unique, s.entryOut(ino, fi))
}

func (s *Server) handleUnlink(h InHeader, body []byte) []byte {
	if s.ReadOnly {
		return errorReply(h.Unique, syscall.EROFS)
	}

	parent, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	name := cString(body)

	path, errno := s.resolvePath(parent, name)
	if errno != 0 {
		return errorReply(h.Unique, errno)
	}

	if err := os.Remove(path); err != nil {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	s.inodes.ForgetPath(path)

	return okReply(h.Unique, nil)
}

func (s *Server) handleRmdir(h InHeader, body []byte) []byte {
	if s.ReadOnly {
		return errorReply(h.Unique, syscall.EROFS)
	}

	parent, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	name := cString(body)

	path, errno := s.resolvePath(parent, name)
	if errno != 0 {
		return errorReply(h.Unique, errno)
	}

	if err := os.Remove(path); err != nil {
		return errorReply(h.Unique, syscall.ENOTEMPTY)
	}

	s.inodes.ForgetPath(path)

	return okReply(h.Unique, nil)
}

func (s *Server) handleRename(h InHeader, body []byte) []byte {
	if s.ReadOnly {
		return errorReply(h.Unique, syscall.EROFS)
	}

	if len(body) < 8 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	newParentIno := readU64(body[0:8])
	rest := body[8:]

	nameEnd := strings.IndexByte(string(rest), 0)
	if nameEnd < 0 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	oldName := string(rest[:nameEnd])
	newName := cString(rest[nameEnd+1:])

	oldParent, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	newParent, ok := s.resolve(newParentIno)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	oldPath, errno := s.resolvePath(oldParent, oldName)
	if errno != 0 {
		return errorReply(h.Unique, errno)
	}

	newPath, errno := s.resolvePath(newParent, newName)
	if errno != 0 {
		return errorReply(h.Unique, errno)
	}

	ino, hadIno := s.inodes.InoForPath(oldPath)

	if err := os.Rename(oldPath, newPath); err != nil {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	if hadIno {
		s.inodes.Rebind(ino, newPath)
	}

	return okReply(h.Unique, nil)
}

func (s *Server) handleLink(h InHeader, body []byte) []byte {
	if s.ReadOnly {
		return errorReply(h.Unique, syscall.EROFS)
	}

	if len(body) < 8 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	targetIno := readU64(body[0:8])
	name := cString(body[8:])

	targetPath, ok := s.resolve(targetIno)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	parent, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	path, errno := s.resolvePath(parent, name)
	if errno != 0 {
		return errorReply(h.Unique, errno)
	}

	if err := os.Link(targetPath, path); err != nil {
		return errorReply(h.Unique, syscall.EEXIST)
	}

	fi, err := os.Lstat(path)
	if err != nil {
		return errorReply(h.Unique, syscall.EIO)
	}

	ino, err := s.inodes.Lookup(path, fi)
	if err != nil {
		return errorReply(h.Unique, syscall.ENOSPC)
	}

	return okReply(h.Unique, s.entryOut(ino, fi))
}

func (s *Server) handleCreate(h InHeader, body []byte) []byte {
	if s.ReadOnly {
		return errorReply(h.Unique, syscall.EROFS)
	}

	if len(body) < 16 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	flags := readU32(body[0:4])
	mode := readU32(body[4:8])
	name := cString(body[16:])

	parent, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	path, errno := s.resolvePath(parent, name)
	if errno != 0 {
		return errorReply(h.Unique, errno)
	}

	f, err := os.OpenFile(path, int(flags)|os.O_CREATE, os.FileMode(mode&0o7777))
	if err != nil {
		return errorReply(h.Unique, syscall.EACCES)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errorReply(h.Unique, syscall.EIO)
	}

	ino, err := s.inodes.Lookup(path, fi)
	if err != nil {
		_ = f.Close()
		return errorReply(h.Unique, syscall.ENOSPC)
	}

	fh, err := s.handles.OpenFile(f, ino, int(flags))
	if err != nil {
		_ = f.Close()
		return errorReply(h.Unique, syscall.EMFILE)
	}

	out := s.entryOut(ino, fi)
	openOut := make([]byte, 16)
	writeU64(openOut[0:8], fh)

	return okReply(h.Unique, append(out, openOut...))
}

func writeU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func readU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}

	return v
}

func readU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (s *Server) handleOpen(h InHeader, body []byte) []byte {
	if len(body) < 4 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	flags := readU32(body[0:4])

	if s.ReadOnly && (flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0) {
		return errorReply(h.Unique, syscall.EROFS)
	}

	path, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	f, err := os.OpenFile(path, int(flags), 0)
	if err != nil {
		return errorReply(h.Unique, syscall.EACCES)
	}

	fh, err := s.handles.OpenFile(f, h.NodeID, int(flags))
	if err != nil {
		_ = f.Close()
		return errorReply(h.Unique, syscall.EMFILE)
	}

	out := make([]byte, 16)
	writeU64(out[0:8], fh)

	return okReply(h.Unique, out)
}

func (s *Server) handleOpendir(h InHeader, body []byte) []byte {
	path, ok := s.resolve(h.NodeID)
	if !ok {
		return errorReply(h.Unique, syscall.ENOENT)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return errorReply(h.Unique, syscall.ENOTDIR)
	}

	snap := []Dirent{
		{Ino: h.NodeID, Off: 1, Type: DTDir, Name: "."},
	}

	parentIno := h.NodeID
	if p := filepath.Dir(path); p != path {
		if ino, ok := s.inodes.InoForPath(p); ok {
			parentIno = ino
		}
	}

	snap = append(snap, Dirent{Ino: parentIno, Off: 2, Type: DTDir, Name: ".."})

	off := uint64(3)
	for _, e := range entries {
		childPath := filepath.Join(path, e.Name())

		fi, err := e.Info()
		if err != nil {
			continue
		}

		ino, err := s.inodes.Lookup(childPath, fi)
		if err != nil {
			continue
		}

		dtype := uint32(DTReg)
		if e.IsDir() {
			dtype = DTDir
		} else if e.Type()&os.ModeSymlink != 0 {
			dtype = DTLnk
		}

		snap = append(snap, Dirent{Ino: ino, Off: off, Type: dtype, Name: e.Name()})
		off++
	}

	fh, err := s.handles.OpenDir(snap, h.NodeID)
	if err != nil {
		return errorReply(h.Unique, syscall.EMFILE)
	}

	out := make([]byte, 16)
	writeU64(out[0:8], fh)

	return okReply(h.Unique, out)
}

func (s *Server) handleRead(h InHeader, body []byte) []byte {
	if len(body) < 16 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	fhID := readU64(body[0:8])
	offset := readU64(body[8:16])

	size := uint32(MaxIOLen)
	if len(body) >= 20 {
		if req := readU32(body[16:20]); req < size {
			size = req
		}
	}

	f, ok := s.handles.File(fhID)
	if !ok {
		return errorReply(h.Unique, syscall.EBADF)
	}

	buf := make([]byte, size)

	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && n == 0 {
		return errorReply(h.Unique, syscall.EIO)
	}

	return okReply(h.Unique, buf[:n])
}

func (s *Server) handleWrite(h InHeader, body []byte) []byte {
	if s.ReadOnly {
		return errorReply(h.Unique, syscall.EROFS)
	}

	// fuse_write_in is 40 bytes; the payload follows it.
	if len(body) < 40 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	fhID := readU64(body[0:8])
	offset := readU64(body[8:16])
	data := body[40:]

	if len(data) > MaxIOLen {
		data = data[:MaxIOLen]
	}

	f, ok := s.handles.File(fhID)
	if !ok {
		return errorReply(h.Unique, syscall.EBADF)
	}

	n, err := f.WriteAt(data, int64(offset))
	if err != nil {
		return errorReply(h.Unique, syscall.EIO)
	}

	out := make([]byte, 8)
	writeU32(out[0:4], uint32(n))

	return okReply(h.Unique, out)
}

func (s *Server) handleRelease(h InHeader, body []byte) []byte {
	if len(body) < 8 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	fh := readU64(body[0:8])
	_ = s.handles.ReleaseFile(fh)

	return okReply(h.Unique, nil)
}

func (s *Server) handleReleasedir(h InHeader, body []byte) []byte {
	if len(body) < 8 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	fh := readU64(body[0:8])
	s.handles.ReleaseDir(fh)

	return okReply(h.Unique, nil)
}

func (s *Server) handleFsync(h InHeader, body []byte) []byte {
	if len(body) < 8 {
		return okReply(h.Unique, nil)
	}

	fh := readU64(body[0:8])

	if f, ok := s.handles.File(fh); ok {
		_ = f.Sync()
	}

	return okReply(h.Unique, nil)
}

func (s *Server) handleStatfs(h InHeader) []byte {
	path, ok := s.resolve(h.NodeID)
	if !ok {
		path = s.Root
	}

	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return errorReply(h.Unique, syscall.EIO)
	}

	out := make([]byte, 80)
	writeU64(out[0:8], st.Blocks)
	writeU64(out[8:16], st.Bfree)
	writeU64(out[16:24], st.Bavail)
	writeU64(out[24:32], st.Files)
	writeU64(out[32:40], st.Ffree)
	writeU32(out[40:44], uint32(st.Bsize))
	writeU32(out[44:48], 255)
	writeU32(out[48:52], uint32(st.Bsize))

	return okReply(h.Unique, out)
}

func (s *Server) handleReaddir(h InHeader, body []byte) []byte {
	if len(body) < 16 {
		return errorReply(h.Unique, syscall.EINVAL)
	}

	fhID := readU64(body[0:8])
	offset := readU64(body[8:16])

	size := uint32(MaxIOLen)
	if len(body) >= 20 {
		if req := readU32(body[16:20]); req < size {
			size = req
		}
	}

	entries, ok := s.handles.Dir(fhID)
	if !ok {
		return errorReply(h.Unique, syscall.EBADF)
	}

	var out []byte

	for _, e := range entries {
		if e.Off <= offset {
			continue
		}

		enc := e.encode()
		if uint32(len(out)+len(enc)) > size {
			break
		}

		out = append(out, enc...)
	}

	return okReply(h.Unique, out)
}
