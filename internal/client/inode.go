package client

import (
	"context"
	"path"
	"sync/atomic"
	"syscall"

	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/request"
	"github.com/iofwd/iof/pkg/errors"
	"github.com/iofwd/iof/pkg/gah"
)

// RootIno is the inode number of the projection root.
const RootIno uint64 = 1

// Inode is a looked-up entry of the projection.
type Inode struct {
	Ino    uint64
	Name   string
	Parent uint64
	Cap    *request.Capability
	Attr   protocol.Attr

	ref atomic.Int64
}

// Refs returns the lookup count held by the kernel.
func (ie *Inode) Refs() int64 {
	return ie.ref.Load()
}

// Entry is the reply to a lookup-style operation.
type Entry struct {
	Ino  uint64
	Attr protocol.Attr
}

// capOf returns the capability for ino, the root capability for RootIno.
func (p *Projection) capOf(ino uint64) (*request.Capability, error) {
	if ino == RootIno {
		return p.root, nil
	}
	p.inodeMu.Lock()
	ie, ok := p.inodes[ino]
	p.inodeMu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidState, "unknown inode %d", ino).
			WithComponent("client").
			WithErrno(syscall.ENOENT)
	}
	return ie.Cap, nil
}

// Inode returns the table entry for ino.
func (p *Projection) Inode(ino uint64) (*Inode, bool) {
	p.inodeMu.Lock()
	defer p.inodeMu.Unlock()
	ie, ok := p.inodes[ino]
	return ie, ok
}

// Inodes returns the number of inodes in the table.
func (p *Projection) Inodes() int {
	p.inodeMu.Lock()
	defer p.inodeMu.Unlock()
	return len(p.inodes)
}

// pathOf rebuilds the projection-relative path of ino from the names recorded
// at lookup. The root is ".".
func (p *Projection) pathOf(ino uint64) (string, error) {
	var parts []string
	p.inodeMu.Lock()
	defer p.inodeMu.Unlock()

	for ino != RootIno {
		ie, ok := p.inodes[ino]
		if !ok {
			return "", errors.Newf(errors.ErrCodeInvalidState, "unknown inode %d", ino).
				WithComponent("client").
				WithErrno(syscall.ENOENT)
		}
		parts = append(parts, ie.Name)
		ino = ie.Parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	if len(parts) == 0 {
		return ".", nil
	}
	return path.Join(parts...), nil
}

// childPath is the projection-relative path of name inside parent.
func (p *Projection) childPath(parent uint64, name string) (string, error) {
	dir, err := p.pathOf(parent)
	if err != nil {
		return "", err
	}
	return path.Join(dir, name), nil
}

// insert adds a looked-up entry to the table with one reference. When the inode
// is already known the existing entry gains the reference and the new
// capability is returned for closing.
func (p *Projection) insert(ie *Inode) (dup *request.Capability) {
	p.inodeMu.Lock()
	defer p.inodeMu.Unlock()

	if old, ok := p.inodes[ie.Ino]; ok {
		old.ref.Add(1)
		old.Attr = ie.Attr
		if !old.Cap.Valid() {
			// The old token was rejected or lost in a failover; adopt the new one.
			old.Cap, ie.Cap = ie.Cap, old.Cap
		}
		return ie.Cap
	}
	ie.ref.Store(1)
	p.inodes[ie.Ino] = ie
	return nil
}

// restocking refills the pool as soon as the request is sent.
type restocking struct {
	request.NoResult
	request.RestockOnSend
}

// Lookup resolves name inside parent, adding the entry to the inode table.
func (p *Projection) Lookup(ctx context.Context, parent uint64, name string) (Entry, error) {
	if err := p.enter(&p.stats.Lookup, "lookup", false); err != nil {
		return Entry{}, err
	}
	return p.lookup(ctx, parent, name)
}

func (p *Projection) lookup(ctx context.Context, parent uint64, name string) (Entry, error) {
	pc, err := p.capOf(parent)
	if err != nil {
		return Entry{}, err
	}

	out := new(protocol.LookupOut)
	err = p.call(ctx, p.lookupPool, protocol.OpLookup, pc,
		&protocol.GahStringIn{Name: name}, out, restocking{})
	if err != nil {
		return Entry{}, err
	}
	return p.adopt(ctx, parent, name, out.GAH, out.Stat), nil
}

// adopt records a new remote entry and returns its reply.
func (p *Projection) adopt(ctx context.Context, parent uint64, name string, g gah.GAH, attr protocol.Attr) Entry {
	c := request.NewCapability(&p.gahLock)
	c.Set(g)
	ie := &Inode{Ino: attr.Ino, Name: name, Parent: parent, Cap: c, Attr: attr}
	if dup := p.insert(ie); dup != nil {
		p.logger.Debug("Existing inode", "ino", attr.Ino, "name", name)
		p.closeGAH(ctx, dup)
	} else {
		p.logger.Debug("New inode", "ino", attr.Ino, "name", name, "gah", c.String())
	}
	return Entry{Ino: attr.Ino, Attr: attr}
}

// Forget drops n lookup references on ino. The capability is closed on the I/O
// node once the last reference is gone.
func (p *Projection) Forget(ctx context.Context, ino uint64, n uint64) {
	p.stats.Forget.Add(1)
	if ino == RootIno {
		return
	}

	p.inodeMu.Lock()
	ie, ok := p.inodes[ino]
	if !ok {
		p.inodeMu.Unlock()
		return
	}
	if ie.ref.Add(-int64(n)) > 0 {
		p.inodeMu.Unlock()
		return
	}
	delete(p.inodes, ino)
	p.inodeMu.Unlock()

	if p.OfflineReason() == 0 {
		p.closeGAH(ctx, ie.Cap)
	}
}
