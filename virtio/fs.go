package virtio

import (
	"github.com/sirupsen/logrus"

	"github.com/mvisor/mvisor/fuse"
)

const (
	fsQueueHiprio  = 0
	fsQueueRequest = 1
	fsNumQueues    = 2

	fsTagLen = 36
)

// FS is the virtio-fs device (spec.md §4.7): a FUSE-over-virtio transport
// wrapping a fuse.Server. The hiprio queue (for FORGET/INTERRUPT) and the
// single request queue are both drained the same way; this monitor doesn't
// distinguish their priority, matching spec.md's "single request queue is
// sufficient" simplification.
type FS struct {
	tag    string
	server *fuse.Server
	log    *logrus.Entry
}

// NewFS returns a virtio-fs device exporting server's tree under tag (the
// mount tag the guest passes to `mount -t virtiofs <tag> <mountpoint>`).
func NewFS(tag string, server *fuse.Server, log *logrus.Entry) *FS {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &FS{tag: tag, server: server, log: log}
}

// DeviceID implements Device.
func (f *FS) DeviceID() uint32 { return DeviceIDFS }

// NumQueues implements Device.
func (f *FS) NumQueues() int { return fsNumQueues }

// QueueMaxSize implements Device.
func (f *FS) QueueMaxSize(int) uint16 { return MaxQueueSize }

// Features implements Device.
func (f *FS) Features() uint64 { return 0 }

// OnReset implements Device.
func (f *FS) OnReset() {}

// ReadConfig implements Device: a 36-byte zero-padded tag followed by the
// little-endian num_request_queues=1, per spec.md §6's virtio_fs_config.
func (f *FS) ReadConfig(offset uint64, data []byte) {
	var cfg [fsTagLen + 4]byte
	copy(cfg[:fsTagLen], f.tag)
	cfg[fsTagLen] = 1 // num_request_queues, little-endian uint32 = 1

	for i := range data {
		idx := offset + uint64(i)
		if int(idx) < len(cfg) {
			data[i] = cfg[idx]
		} else {
			data[i] = 0
		}
	}
}

// WriteConfig implements Device; the fs config window is read-only.
func (f *FS) WriteConfig(uint64, []byte) {}

// OnQueueNotify implements Device: both queues carry the same FUSE
// in-header/body request shape and get dispatched identically.
func (f *FS) OnQueueNotify(t *Transport, i int) error {
	switch i {
	case fsQueueHiprio, fsQueueRequest:
		return f.drain(t, i)
	}

	return nil
}

// drain walks every available chain on queue i, hands the request bytes to
// the FUSE server, and writes back whatever reply it produces (FORGET
// produces none, per the FUSE protocol, and the chain is completed with a
// zero-length used entry).
func (f *FS) drain(t *Transport, qi int) error {
	q := t.Queue(qi)
	if q == nil || !q.Ready() {
		return nil
	}

	used := false

	for {
		has, _, err := t.HasAvail(q)
		if err != nil {
			return err
		}

		if !has {
			break
		}

		head, err := t.NextHead(q)
		if err != nil {
			return err
		}

		req, err := t.ReadChain(q, head)
		if err != nil {
			f.log.WithError(err).Trace("fs: abandoning malformed chain")
			if err := t.PushUsed(q, head, 0); err != nil {
				return err
			}

			used = true

			continue
		}

		reply := f.server.Dispatch(req)

		var n uint32
		if len(reply) > 0 {
			n, err = t.WriteChain(q, head, reply)
			if err != nil {
				return err
			}
		}

		if err := t.PushUsed(q, head, n); err != nil {
			return err
		}

		used = true
	}

	if used {
		t.RaiseInterrupt()
	}

	return nil
}
