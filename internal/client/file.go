package client

import (
	"context"
	"encoding/binary"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/request"
	"github.com/iofwd/iof/pkg/errors"
	"github.com/iofwd/iof/pkg/gah"
)

// Open flags the I/O node cannot honour.
const (
	unsupportedCreateFlags = unix.O_ASYNC | unix.O_CLOEXEC | unix.O_DIRECTORY | unix.O_NOCTTY | unix.O_PATH
	unsupportedOpenFlags   = unsupportedCreateFlags | unix.O_CREAT | unix.O_EXCL
)

// FileHandle is an open file of the projection.
type FileHandle struct {
	Ino   uint64
	Flags int

	p   *Projection
	cap *request.Capability
}

// Cap returns the capability of the open file.
func (fh *FileHandle) Cap() *request.Capability {
	return fh.cap
}

func accessMutates(flags int) bool {
	acc := flags & unix.O_ACCMODE
	return acc == unix.O_WRONLY || acc == unix.O_RDWR || flags&unix.O_TRUNC != 0
}

func (p *Projection) newFile(ino uint64, flags int, g gah.GAH) *FileHandle {
	c := request.NewCapability(&p.gahLock)
	c.Set(g)
	fh := &FileHandle{Ino: ino, Flags: flags, p: p, cap: c}

	p.ofLock.Lock()
	p.openFiles[fh] = struct{}{}
	p.ofLock.Unlock()
	return fh
}

// OpenFiles returns the number of open files.
func (p *Projection) OpenFiles() int {
	p.ofLock.Lock()
	defer p.ofLock.Unlock()
	return len(p.openFiles)
}

// Open opens ino.
func (p *Projection) Open(ctx context.Context, ino uint64, flags int) (*FileHandle, error) {
	if err := p.enter(&p.stats.Open, "open", accessMutates(flags)); err != nil {
		return nil, err
	}
	if flags&unsupportedOpenFlags != 0 {
		p.logger.Info("Unsupported open flags", "flags", flags&unsupportedOpenFlags)
		return nil, errors.Newf(errors.ErrCodeOperationFailed, "unsupported flags %#o", flags&unsupportedOpenFlags).
			WithComponent("client").WithOperation("open").WithErrno(syscall.ENOTSUP)
	}
	c, err := p.capOf(ino)
	if err != nil {
		return nil, err
	}

	out := new(protocol.GahPairOut)
	err = p.call(ctx, p.fhPool, protocol.OpOpen, c, &protocol.OpenIn{Flags: int32(flags)}, out, restocking{})
	if err != nil {
		return nil, err
	}
	return p.newFile(ino, flags, out.GAH), nil
}

// Create creates and opens name in parent. The new inode joins the table.
func (p *Projection) Create(ctx context.Context, parent uint64, name string, mode uint32, flags int) (*FileHandle, Entry, error) {
	if err := p.enter(&p.stats.Create, "create", true); err != nil {
		return nil, Entry{}, err
	}
	if flags&unsupportedCreateFlags != 0 {
		return nil, Entry{}, errors.Newf(errors.ErrCodeOperationFailed, "unsupported flags %#o", flags&unsupportedCreateFlags).
			WithComponent("client").WithOperation("create").WithErrno(syscall.ENOTSUP)
	}
	pc, err := p.capOf(parent)
	if err != nil {
		return nil, Entry{}, err
	}

	out := new(protocol.CreateOut)
	in := &protocol.CreateIn{Name: name, Mode: int32(mode), Flags: int32(flags), RegInode: 1}
	if err := p.call(ctx, p.fhPool, protocol.OpCreate, pc, in, out, restocking{}); err != nil {
		return nil, Entry{}, err
	}

	entry := p.adopt(ctx, parent, name, out.InodeGAH, out.Stat)
	return p.newFile(entry.Ino, flags, out.GAH), entry, nil
}

// Read reads up to size bytes at off. Requests larger than the projection's
// maximum read are split.
func (p *Projection) Read(ctx context.Context, fh *FileHandle, off int64, size int) ([]byte, error) {
	if err := p.enter(&p.stats.Read, "read", false); err != nil {
		return nil, err
	}

	chunk := size
	if p.info.MaxRead > 0 && chunk > int(p.info.MaxRead) {
		chunk = int(p.info.MaxRead)
	}

	buf := make([]byte, 0, size)
	for len(buf) < size {
		want := size - len(buf)
		if want > chunk {
			want = chunk
		}
		out := new(protocol.ReadxOut)
		in := &protocol.ReadxIn{Base: uint64(off) + uint64(len(buf)), Len: uint64(want)}
		if err := p.call(ctx, p.readPool, protocol.OpReadx, fh.cap, in, out, nil); err != nil {
			return nil, err
		}
		buf = append(buf, out.Data...)
		if len(out.Data) < want {
			break
		}
	}
	p.stats.ReadBytes.Add(uint64(len(buf)))
	return buf, nil
}

// Write writes data at off and returns the number of bytes written. Requests
// larger than the projection's maximum write are split.
func (p *Projection) Write(ctx context.Context, fh *FileHandle, off int64, data []byte) (int, error) {
	if err := p.enter(&p.stats.Write, "write", true); err != nil {
		return 0, err
	}

	chunk := len(data)
	if p.info.MaxWrite > 0 && chunk > int(p.info.MaxWrite) {
		chunk = int(p.info.MaxWrite)
	}

	written := 0
	for {
		start := written
		end := min(start+chunk, len(data))
		out := new(protocol.WritexOut)
		in := &protocol.WritexIn{Data: data[start:end], Base: uint64(off) + uint64(start)}
		if err := p.call(ctx, p.writePool, protocol.OpWritex, fh.cap, in, out, nil); err != nil {
			if written > 0 {
				break
			}
			return 0, err
		}
		written += int(out.Len)
		if int(out.Len) < end-start || written >= len(data) {
			break
		}
	}
	p.stats.WriteBytes.Add(uint64(written))
	return written, nil
}

// Fsync flushes the open file, data only when datasync is set.
func (p *Projection) Fsync(ctx context.Context, fh *FileHandle, datasync bool) error {
	if err := p.enter(&p.stats.Fsync, "fsync", false); err != nil {
		return err
	}
	op := protocol.OpFsync
	if datasync {
		op = protocol.OpFdatasync
	}
	return p.call(ctx, p.statusPool, op, fh.cap, new(protocol.GahIn), new(protocol.StatusOut), nil)
}

// Release closes the open file. The remote close is skipped when the I/O node
// already rejected the handle.
func (p *Projection) Release(ctx context.Context, fh *FileHandle) error {
	p.stats.Release.Add(1)

	p.ofLock.Lock()
	_, open := p.openFiles[fh]
	delete(p.openFiles, fh)
	p.ofLock.Unlock()
	if !open {
		return errors.NewError(errors.ErrCodeInvalidState, "file not open").
			WithComponent("client").WithOperation("release").WithErrno(syscall.EBADF)
	}

	if !fh.cap.Valid() {
		p.logger.Info("Release with bad handle", "ino", fh.Ino)
		return nil
	}
	err := p.call(ctx, p.closePool, protocol.OpClose, fh.cap, new(protocol.GahIn), nil, nil)
	fh.cap.MarkInvalid()
	return err
}

// IoctlGAH returns the GahInfo of an open file. Its value encodes the size of
// GahInfo like _IOR does.
const IoctlGAH uint32 = 2<<30 | GahInfoSize<<16 | 'I'<<8 | 1

// IoctlVersion is the layout version of GahInfo.
const IoctlVersion = 1

// GahInfoSize is the encoded size of GahInfo.
const GahInfoSize = 12 + gah.Size

// GahInfo lets an interception library talk to the I/O node directly for an
// open file.
type GahInfo struct {
	Version int32
	CNSSID  int32
	CliFSID int32
	GAH     gah.GAH
}

// Bytes returns the little-endian ioctl reply.
func (g GahInfo) Bytes() []byte {
	b := make([]byte, GahInfoSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(g.Version))
	binary.LittleEndian.PutUint32(b[4:8], uint32(g.CNSSID))
	binary.LittleEndian.PutUint32(b[8:12], uint32(g.CliFSID))
	g.GAH.Encode(b[12:])
	return b
}

// Ioctl serves cmd on an open file. Only IoctlGAH is supported.
func (p *Projection) Ioctl(fh *FileHandle, cmd uint32) (GahInfo, error) {
	if err := p.enter(&p.stats.Ioctl, "ioctl", false); err != nil {
		return GahInfo{}, err
	}
	fail := func(errno syscall.Errno, msg string) (GahInfo, error) {
		return GahInfo{}, errors.NewError(errors.ErrCodeOperationFailed, msg).
			WithComponent("client").WithOperation("ioctl").WithErrno(errno)
	}

	g, ok := fh.cap.Token()
	if !ok {
		return fail(syscall.EIO, "invalid handle")
	}
	switch cmd {
	case unix.TCGETS:
		return fail(syscall.ENOTTY, "not a terminal")
	case IoctlGAH:
	default:
		p.logger.Info("Unsupported ioctl", "cmd", cmd)
		return fail(syscall.ENOTSUP, "ioctl not supported")
	}

	p.stats.GAHIoctl.Add(1)
	return GahInfo{
		Version: IoctlVersion,
		CNSSID:  int32(os.Getpid()),
		CliFSID: p.info.CliFSID,
		GAH:     g,
	}, nil
}
