package client

import (
	"context"
	"time"

	"github.com/iofwd/iof/internal/protocol"
)

// Getattr returns the attributes of ino, through the open file when fh is set.
func (p *Projection) Getattr(ctx context.Context, ino uint64, fh *FileHandle) (protocol.Attr, error) {
	if err := p.enter(&p.stats.Getattr, "getattr", false); err != nil {
		return protocol.Attr{}, err
	}
	return p.getattr(ctx, ino, fh)
}

func (p *Projection) getattr(ctx context.Context, ino uint64, fh *FileHandle) (protocol.Attr, error) {
	c, err := p.capOf(ino)
	if fh != nil {
		c, err = fh.cap, nil
	}
	if err != nil {
		return protocol.Attr{}, err
	}

	out := new(protocol.AttrOut)
	if err := p.call(ctx, p.getattrPool, protocol.OpGetattrGAH, c, new(protocol.GahIn), out, nil); err != nil {
		return protocol.Attr{}, err
	}
	if ino == RootIno {
		out.Data.Ino = RootIno
	}
	return out.Data, nil
}

// GetattrPath returns the attributes of a projection-relative path.
func (p *Projection) GetattrPath(ctx context.Context, name string) (protocol.Attr, error) {
	if err := p.enter(&p.stats.Getattr, "getattr", false); err != nil {
		return protocol.Attr{}, err
	}
	out := new(protocol.AttrOut)
	err := p.call(ctx, p.getattrPool, protocol.OpGetattr, p.root, &protocol.GahStringIn{Name: name}, out, nil)
	if err != nil {
		return protocol.Attr{}, err
	}
	return out.Data, nil
}

// SetattrIn selects the attributes to change. Nil fields are left alone.
type SetattrIn struct {
	Mode  *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

func timespec(t *time.Time) protocol.Timespec {
	if t == nil {
		return protocol.Timespec{Nsec: protocol.UtimeOmit}
	}
	return protocol.Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Setattr changes the attributes of ino and returns the new ones. With an open
// file the handle variants are used, otherwise the path of the inode.
func (p *Projection) Setattr(ctx context.Context, ino uint64, fh *FileHandle, in SetattrIn) (protocol.Attr, error) {
	if err := p.enter(&p.stats.Setattr, "setattr", true); err != nil {
		return protocol.Attr{}, err
	}

	var name string
	if fh == nil {
		var err error
		if name, err = p.pathOf(ino); err != nil {
			return protocol.Attr{}, err
		}
	}

	if in.Mode != nil {
		var err error
		if fh != nil {
			err = p.call(ctx, p.statusPool, protocol.OpChmodGAH, fh.cap,
				&protocol.ChmodGahIn{Mode: int32(*in.Mode)}, new(protocol.StatusOut), nil)
		} else {
			err = p.call(ctx, p.statusPool, protocol.OpChmod, nil,
				&protocol.ChmodIn{Path: name, Mode: int32(*in.Mode), FSID: p.info.FSID}, new(protocol.StatusOut), nil)
		}
		if err != nil {
			return protocol.Attr{}, err
		}
	}

	if in.Size != nil {
		var err error
		if fh != nil {
			err = p.call(ctx, p.statusPool, protocol.OpFtruncate, fh.cap,
				&protocol.FtruncateIn{Len: *in.Size}, new(protocol.StatusOut), nil)
		} else {
			err = p.call(ctx, p.statusPool, protocol.OpTruncate, nil,
				&protocol.TruncateIn{Path: name, Len: *in.Size, FSID: p.info.FSID}, new(protocol.StatusOut), nil)
		}
		if err != nil {
			return protocol.Attr{}, err
		}
	}

	if in.Atime != nil || in.Mtime != nil {
		times := protocol.Times{Atime: timespec(in.Atime), Mtime: timespec(in.Mtime)}
		var err error
		if fh != nil {
			err = p.call(ctx, p.statusPool, protocol.OpUtimensGAH, fh.cap,
				&protocol.UtimensGahIn{Times: times}, new(protocol.StatusOut), nil)
		} else {
			err = p.call(ctx, p.statusPool, protocol.OpUtimens, nil,
				&protocol.UtimensIn{Path: name, Times: times, FSID: p.info.FSID}, new(protocol.StatusOut), nil)
		}
		if err != nil {
			return protocol.Attr{}, err
		}
	}

	return p.getattr(ctx, ino, fh)
}

// Statfs returns the filesystem statistics of the projection.
func (p *Projection) Statfs(ctx context.Context) (protocol.Statfs, error) {
	if err := p.enter(&p.stats.Statfs, "statfs", false); err != nil {
		return protocol.Statfs{}, err
	}
	out := new(protocol.StatfsOut)
	if err := p.call(ctx, p.getattrPool, protocol.OpStatfs, p.root, new(protocol.GahIn), out, nil); err != nil {
		return protocol.Statfs{}, err
	}
	return out.Data, nil
}

// Readlink returns the target of the symbolic link ino.
func (p *Projection) Readlink(ctx context.Context, ino uint64) (string, error) {
	if err := p.enter(&p.stats.Readlink, "readlink", false); err != nil {
		return "", err
	}
	c, err := p.capOf(ino)
	if err != nil {
		return "", err
	}
	out := new(protocol.StringOut)
	if err := p.call(ctx, p.statusPool, protocol.OpReadlinkLL, c, new(protocol.GahIn), out, nil); err != nil {
		return "", err
	}
	return out.Path, nil
}

// ReadlinkPath returns the target of the symbolic link at a projection-relative
// path.
func (p *Projection) ReadlinkPath(ctx context.Context, name string) (string, error) {
	if err := p.enter(&p.stats.Readlink, "readlink", false); err != nil {
		return "", err
	}
	out := new(protocol.StringOut)
	err := p.call(ctx, p.statusPool, protocol.OpReadlink, nil,
		&protocol.StringIn{Path: name, FSID: p.info.FSID}, out, nil)
	if err != nil {
		return "", err
	}
	return out.Path, nil
}

// Mkdir creates a directory and looks it up.
func (p *Projection) Mkdir(ctx context.Context, parent uint64, name string, mode uint32) (Entry, error) {
	if err := p.enter(&p.stats.Mkdir, "mkdir", true); err != nil {
		return Entry{}, err
	}
	pc, err := p.capOf(parent)
	if err != nil {
		return Entry{}, err
	}
	err = p.call(ctx, p.entryPool, protocol.OpMkdir, pc,
		&protocol.CreateIn{Name: name, Mode: int32(mode)}, new(protocol.StatusOut), restocking{})
	if err != nil {
		return Entry{}, err
	}
	return p.lookup(ctx, parent, name)
}

// Symlink creates a symbolic link name in parent pointing at target and looks
// it up.
func (p *Projection) Symlink(ctx context.Context, parent uint64, name, target string) (Entry, error) {
	if err := p.enter(&p.stats.Symlink, "symlink", true); err != nil {
		return Entry{}, err
	}
	pc, err := p.capOf(parent)
	if err != nil {
		return Entry{}, err
	}
	err = p.call(ctx, p.entryPool, protocol.OpSymlink, pc,
		&protocol.TwoStringIn{Name: name, OldPath: target}, new(protocol.StatusOut), restocking{})
	if err != nil {
		return Entry{}, err
	}
	return p.lookup(ctx, parent, name)
}

func (p *Projection) remove(ctx context.Context, parent uint64, name string, dir bool) error {
	pc, err := p.capOf(parent)
	if err != nil {
		return err
	}
	in := &protocol.OpenIn{Name: name}
	if dir {
		in.Flags = 1
	}
	return p.call(ctx, p.statusPool, protocol.OpUnlink, pc, in, new(protocol.StatusOut), nil)
}

// Unlink removes the file name from parent.
func (p *Projection) Unlink(ctx context.Context, parent uint64, name string) error {
	if err := p.enter(&p.stats.Unlink, "unlink", true); err != nil {
		return err
	}
	return p.remove(ctx, parent, name, false)
}

// Rmdir removes the directory name from parent.
func (p *Projection) Rmdir(ctx context.Context, parent uint64, name string) error {
	if err := p.enter(&p.stats.Rmdir, "rmdir", true); err != nil {
		return err
	}
	return p.remove(ctx, parent, name, true)
}

// RmdirPath removes the directory at a projection-relative path.
func (p *Projection) RmdirPath(ctx context.Context, name string) error {
	if err := p.enter(&p.stats.Rmdir, "rmdir", true); err != nil {
		return err
	}
	return p.call(ctx, p.statusPool, protocol.OpRmdir, nil,
		&protocol.StringIn{Path: name, FSID: p.info.FSID}, new(protocol.StatusOut), nil)
}

// Rename moves oldName in oldParent to newName in newParent. Both sides travel
// as projection-relative paths against the root capability.
func (p *Projection) Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string) error {
	if err := p.enter(&p.stats.Rename, "rename", true); err != nil {
		return err
	}
	from, err := p.childPath(oldParent, oldName)
	if err != nil {
		return err
	}
	to, err := p.childPath(newParent, newName)
	if err != nil {
		return err
	}
	if err := p.call(ctx, p.statusPool, protocol.OpRename, p.root,
		&protocol.TwoStringIn{Name: to, OldPath: from}, new(protocol.StatusOut), nil); err != nil {
		return err
	}
	p.renamed(oldParent, oldName, newParent, newName)
	return nil
}

// renamed updates the names recorded in the inode table after a rename.
func (p *Projection) renamed(oldParent uint64, oldName string, newParent uint64, newName string) {
	p.inodeMu.Lock()
	defer p.inodeMu.Unlock()
	for _, ie := range p.inodes {
		if ie.Parent == oldParent && ie.Name == oldName {
			ie.Parent, ie.Name = newParent, newName
			return
		}
	}
}
