package client

import (
	"context"
	"sync"
	"syscall"

	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/request"
	"github.com/iofwd/iof/pkg/errors"
)

// DirHandle is an open directory. Replies are fetched in batches and consumed
// one entry at a time; the request carrying the current batch is kept until
// the batch is used up or the directory is released.
type DirHandle struct {
	Ino uint64

	p   *Projection
	cap *request.Capability

	mu     sync.Mutex
	batch  *request.Request
	pos    int
	offset uint64
	last   bool
}

// Cap returns the capability of the open directory.
func (dh *DirHandle) Cap() *request.Capability {
	return dh.cap
}

// readdirOps keeps the reply of a readdir call alive past completion. A
// directory cursor only exists on the node that opened it, so an evicted
// readdir fails instead of being resent.
type readdirOps struct {
	request.FailOnEvict
}

func (readdirOps) OnResult(r *request.Request) {
	if r.Status.Errno() == 0 {
		r.Retain()
	}
}

// OpenDirs returns the number of open directories.
func (p *Projection) OpenDirs() int {
	p.odLock.Lock()
	defer p.odLock.Unlock()
	return len(p.openDirs)
}

// Opendir opens the directory ino.
func (p *Projection) Opendir(ctx context.Context, ino uint64) (*DirHandle, error) {
	if err := p.enter(&p.stats.Opendir, "opendir", false); err != nil {
		return nil, err
	}
	c, err := p.capOf(ino)
	if err != nil {
		return nil, err
	}

	out := new(protocol.GahPairOut)
	if err := p.call(ctx, p.dhPool, protocol.OpOpendir, c, new(protocol.GahStringIn), out, restocking{}); err != nil {
		return nil, err
	}

	dc := request.NewCapability(&p.gahLock)
	dc.Set(out.GAH)
	dh := &DirHandle{Ino: ino, p: p, cap: dc}

	p.odLock.Lock()
	p.openDirs[dh] = struct{}{}
	p.odLock.Unlock()
	return dh, nil
}

// fetch requests the next batch of entries. The caller holds dh.mu.
func (p *Projection) fetch(ctx context.Context, dh *DirHandle) error {
	p.dropBatch(dh)

	r, err := p.engine.Take(p.dhPool, protocol.OpReaddir)
	if err != nil {
		return err
	}
	r.Cap = dh.cap
	r.In = &protocol.ReaddirIn{Offset: dh.offset, Count: int32(p.info.ReaddirSize)}
	r.Out = new(protocol.ReaddirOut)
	r.Ops = readdirOps{}

	if err := p.engine.Send(r); err != nil {
		p.release(r)
		return err
	}
	if err := p.engine.Await(ctx, r); err != nil {
		p.release(r)
		return err
	}
	if err := r.Err(); err != nil {
		p.release(r)
		return err
	}

	out := r.Out.(*protocol.ReaddirOut)
	dh.batch = r
	dh.pos = 0
	dh.last = out.Last != 0 || len(out.Replies) == 0
	return nil
}

// dropBatch releases the request holding the current batch. The caller holds
// dh.mu.
func (p *Projection) dropBatch(dh *DirHandle) {
	if dh.batch == nil {
		return
	}
	if err := p.engine.Release(dh.batch); err != nil {
		p.logger.Warn("Releasing readdir batch failed", "error", err)
	}
	dh.batch = nil
	dh.pos = 0
}

// Readdir returns the next entry of the directory, fetching a new batch when
// the current one is used up. ok is false at the end of the directory.
func (p *Projection) Readdir(ctx context.Context, dh *DirHandle) (entry protocol.DirEntry, ok bool, err error) {
	if err := p.enter(&p.stats.Readdir, "readdir", false); err != nil {
		return protocol.DirEntry{}, false, err
	}

	dh.mu.Lock()
	defer dh.mu.Unlock()

	for {
		if dh.batch != nil {
			replies := dh.batch.Out.(*protocol.ReaddirOut).Replies
			if dh.pos < len(replies) {
				e := replies[dh.pos]
				dh.pos++
				dh.offset = e.Next
				return e, true, nil
			}
			if dh.last {
				p.dropBatch(dh)
				return protocol.DirEntry{}, false, nil
			}
		} else if dh.last {
			return protocol.DirEntry{}, false, nil
		}

		if !dh.cap.Valid() {
			return protocol.DirEntry{}, false, errors.NewError(errors.ErrCodeGAHInvalid, "directory handle invalid").
				WithComponent("client").WithOperation("readdir")
		}
		if err := p.fetch(ctx, dh); err != nil {
			return protocol.DirEntry{}, false, err
		}
	}
}

// Seekdir positions the cursor at offset, as returned in DirEntry.Next. The
// current batch is dropped.
func (p *Projection) Seekdir(dh *DirHandle, offset uint64) {
	dh.mu.Lock()
	defer dh.mu.Unlock()
	if offset == dh.offset {
		return
	}
	p.dropBatch(dh)
	dh.offset = offset
	dh.last = false
}

// Releasedir closes the directory. The handle leaves the open list and its
// batch is dropped on every path; the remote close is skipped when the I/O node
// already rejected the handle.
func (p *Projection) Releasedir(ctx context.Context, dh *DirHandle) error {
	p.stats.Closedir.Add(1)

	p.odLock.Lock()
	_, open := p.openDirs[dh]
	delete(p.openDirs, dh)
	p.odLock.Unlock()

	dh.mu.Lock()
	p.dropBatch(dh)
	dh.mu.Unlock()

	if !open {
		return errors.NewError(errors.ErrCodeInvalidState, "directory not open").
			WithComponent("client").WithOperation("closedir").WithErrno(syscall.EBADF)
	}
	if !dh.cap.Valid() {
		p.logger.Info("Release with bad directory handle", "ino", dh.Ino)
		return errors.NewError(errors.ErrCodeGAHInvalid, "directory handle invalid").
			WithComponent("client").WithOperation("closedir")
	}

	err := p.call(ctx, p.dhPool, protocol.OpClosedir, dh.cap, new(protocol.GahIn), nil, nil)
	dh.cap.MarkInvalid()
	return err
}
