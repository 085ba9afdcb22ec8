// Package fuse implements the FUSE-over-virtio protocol server of
// spec.md §4.7: wire structs matching the mainline FUSE kernel ABI (major
// 7, minor 31), an inode table, a handle table, and the opcode dispatcher
// enforcing the share's safety invariants.
package fuse

import (
	"encoding/binary"
	"syscall"
)

// Opcodes, straight out of the FUSE kernel ABI.
const (
	OpLookup      = 1
	OpForget      = 2
	OpGetattr     = 3
	OpSetattr     = 4
	OpReadlink    = 5
	OpSymlink     = 6
	OpMknod       = 8
	OpMkdir       = 9
	OpUnlink      = 10
	OpRmdir       = 11
	OpRename      = 12
	OpLink        = 13
	OpOpen        = 14
	OpRead        = 15
	OpWrite       = 16
	OpStatfs      = 17
	OpRelease     = 18
	OpFsync       = 20
	OpFlush       = 25
	OpInit        = 26
	OpOpendir     = 27
	OpReaddir     = 28
	OpReleasedir  = 29
	OpFsyncdir    = 30
	OpAccess      = 34
	OpCreate      = 35
	OpBatchForget = 42
)

// Protocol constants per spec.md §6/§8.
const (
	ProtoMajor = 7
	ProtoMinor = 31

	RootNodeID = 1

	InHeaderLen    = 40
	OutHeaderLen   = 16
	AttrLen        = 88
	EntryOutLen    = 128
	DirentHeaderLen = 24

	MaxIOLen  = 1 << 20 // 1 MiB read/write cap, spec.md §4.7/§8
	MaxWrite  = 1 << 20
	MaxPages  = 256

	// Capability bits this server negotiates at INIT.
	FeatureAsyncRead     = 1 << 0
	FeatureAtomicOTrunc  = 1 << 3
	FeatureBigWrites     = 1 << 5
	FeatureExportSupport = 1 << 4
	FeatureParallelDirops = 1 << 18
	FeatureMaxPages      = 1 << 22
)

// InHeader mirrors fuse_in_header (40 bytes).
type InHeader struct {
	Len     uint32
	Opcode  uint32
	Unique  uint64
	NodeID  uint64
	UID     uint32
	GID     uint32
	PID     uint32
	_       uint32
}

// DecodeInHeader parses the first 40 bytes of a FUSE request.
func DecodeInHeader(b []byte) InHeader {
	return InHeader{
		Len:    binary.LittleEndian.Uint32(b[0:4]),
		Opcode: binary.LittleEndian.Uint32(b[4:8]),
		Unique: binary.LittleEndian.Uint64(b[8:16]),
		NodeID: binary.LittleEndian.Uint64(b[16:24]),
		UID:    binary.LittleEndian.Uint32(b[24:28]),
		GID:    binary.LittleEndian.Uint32(b[28:32]),
		PID:    binary.LittleEndian.Uint32(b[32:36]),
	}
}

// OutHeader mirrors fuse_out_header (16 bytes).
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

func (h OutHeader) encode() []byte {
	b := make([]byte, OutHeaderLen)
	binary.LittleEndian.PutUint32(b[0:4], h.Len)
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.Error))
	binary.LittleEndian.PutUint64(b[8:16], h.Unique)

	return b
}

// errorReply builds a bare out-header reply reporting errno as a negative
// value, per spec.md §4.7.
func errorReply(unique uint64, errno syscall.Errno) []byte {
	return OutHeader{Len: OutHeaderLen, Error: -int32(errno), Unique: unique}.encode()
}

func okReply(unique uint64, body []byte) []byte {
	h := OutHeader{Len: uint32(OutHeaderLen + len(body)), Error: 0, Unique: unique}

	return append(h.encode(), body...)
}

// Attr mirrors fuse_attr (88 bytes).
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint32
	Blksize   uint32
	_         uint32
}

func (a Attr) encode() []byte {
	b := make([]byte, AttrLen)
	binary.LittleEndian.PutUint64(b[0:8], a.Ino)
	binary.LittleEndian.PutUint64(b[8:16], a.Size)
	binary.LittleEndian.PutUint64(b[16:24], a.Blocks)
	binary.LittleEndian.PutUint64(b[24:32], a.Atime)
	binary.LittleEndian.PutUint64(b[32:40], a.Mtime)
	binary.LittleEndian.PutUint64(b[40:48], a.Ctime)
	binary.LittleEndian.PutUint32(b[48:52], a.AtimeNsec)
	binary.LittleEndian.PutUint32(b[52:56], a.MtimeNsec)
	binary.LittleEndian.PutUint32(b[56:60], a.CtimeNsec)
	binary.LittleEndian.PutUint32(b[60:64], a.Mode)
	binary.LittleEndian.PutUint32(b[64:68], a.Nlink)
	binary.LittleEndian.PutUint32(b[68:72], a.UID)
	binary.LittleEndian.PutUint32(b[72:76], a.GID)
	binary.LittleEndian.PutUint32(b[76:80], a.Rdev)
	binary.LittleEndian.PutUint32(b[80:84], a.Blksize)

	return b
}

// EntryOut mirrors fuse_entry_out (128 bytes: header fields + embedded
// Attr).
type EntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

func (e EntryOut) encode() []byte {
	b := make([]byte, EntryOutLen)
	binary.LittleEndian.PutUint64(b[0:8], e.NodeID)
	binary.LittleEndian.PutUint64(b[8:16], e.Generation)
	binary.LittleEndian.PutUint64(b[16:24], e.EntryValid)
	binary.LittleEndian.PutUint64(b[24:32], e.AttrValid)
	binary.LittleEndian.PutUint32(b[32:36], e.EntryValidNsec)
	binary.LittleEndian.PutUint32(b[36:40], e.AttrValidNsec)
	copy(b[40:128], e.Attr.encode())

	return b
}

// Dirent encodes one spec.md §4.7 readdir entry: a 24-byte header followed
// by the name, padded to an 8-byte boundary.
type Dirent struct {
	Ino  uint64
	Off  uint64
	Type uint32
	Name string
}

func (d Dirent) encode() []byte {
	nameLen := len(d.Name)
	total := DirentHeaderLen + nameLen
	padded := (total + 7) &^ 7

	b := make([]byte, padded)
	binary.LittleEndian.PutUint64(b[0:8], d.Ino)
	binary.LittleEndian.PutUint64(b[8:16], d.Off)
	binary.LittleEndian.PutUint32(b[16:20], uint32(nameLen))
	binary.LittleEndian.PutUint32(b[20:24], d.Type)
	copy(b[24:24+nameLen], d.Name)

	return b
}

// Directory entry types, from the POSIX dirent d_type values FUSE reuses.
const (
	DTDir = 4
	DTReg = 8
	DTLnk = 10
)
