package server

import (
	"context"
	"math"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/storage"
	"github.com/iofwd/iof/internal/transport"
	"github.com/iofwd/iof/pkg/errors"
	"github.com/iofwd/iof/pkg/gah"
)

// handle adapts a typed handler. Handlers report failures through the reply
// status, never through the returned error.
func handle[I, O any](fn func(ctx context.Context, in *I, out *O)) transport.Handler {
	return func(ctx context.Context, in any) (any, error) {
		out := new(O)
		fn(ctx, in.(*I), out)
		return out, nil
	}
}

// handleNoReply adapts a handler for an operation without output.
func handleNoReply[I any](fn func(ctx context.Context, in *I)) transport.Handler {
	return func(ctx context.Context, in any) (any, error) {
		fn(ctx, in.(*I))
		return nil, nil
	}
}

func (s *Server) handlers() map[string]transport.Handler {
	return map[string]transport.Handler{
		protocol.OpOpendir.String():    handle(s.opendir),
		protocol.OpReaddir.String():    handle(s.readdir),
		protocol.OpClosedir.String():   handleNoReply(s.closedir),
		protocol.OpGetattr.String():    handle(s.getattr),
		protocol.OpGetattrGAH.String(): handle(s.getattrGAH),
		protocol.OpWritex.String():     handle(s.writex),
		protocol.OpTruncate.String():   handle(s.truncate),
		protocol.OpFtruncate.String():  handle(s.ftruncate),
		protocol.OpRmdir.String():      handle(s.rmdir),
		protocol.OpRename.String():     handle(s.rename),
		protocol.OpReadx.String():      handle(s.readx),
		protocol.OpUnlink.String():     handle(s.unlink),
		protocol.OpOpen.String():       handle(s.open),
		protocol.OpCreate.String():     handle(s.create),
		protocol.OpClose.String():      handleNoReply(s.closeHandle),
		protocol.OpMkdir.String():      handle(s.mkdir),
		protocol.OpReadlink.String():   handle(s.readlink),
		protocol.OpReadlinkLL.String(): handle(s.readlinkGAH),
		protocol.OpSymlink.String():    handle(s.symlink),
		protocol.OpFsync.String():      handle(s.fsync),
		protocol.OpFdatasync.String():  handle(s.fdatasync),
		protocol.OpChmod.String():      handle(s.chmod),
		protocol.OpChmodGAH.String():   handle(s.chmodGAH),
		protocol.OpUtimens.String():    handle(s.utimens),
		protocol.OpUtimensGAH.String(): handle(s.utimensGAH),
		protocol.OpStatfs.String():     handle(s.statfs),
		protocol.OpLookup.String():     handle(s.lookup),
		"psr_query":                    s.query,
	}
}

// fail records a backend error as the reply's errno.
func fail(out protocol.Failer, err error) {
	out.Fail(int32(errors.Errno(err)), protocol.ErrNone)
}

// failErrno records errno as the reply's rc.
func failErrno(out protocol.Failer, errno syscall.Errno) {
	out.Fail(int32(errno), protocol.ErrNone)
}

// writeable rejects mutations of a read-only export.
func writeable(e *export, out protocol.Failer) bool {
	if !e.Writeable {
		failErrno(out, syscall.EROFS)
		return false
	}
	return true
}

// fileOffset converts a wire offset or length, failing out with EINVAL when it
// does not fit a file offset.
func fileOffset(v uint64, out protocol.Failer) (int64, bool) {
	if v > math.MaxInt64 {
		failErrno(out, syscall.EINVAL)
		return 0, false
	}
	return int64(v), true
}

// exportOf resolves the fsid carried by path-based operations.
func (s *Server) exportOf(fsid int32, out protocol.Failer) (*export, bool) {
	if fsid < 0 || int(fsid) >= len(s.exports) {
		s.logger.Debug("Unknown projection", "fsid", fsid)
		out.Fail(0, protocol.ErrBadData)
		return nil, false
	}
	return s.exports[fsid], true
}

// fileOf resolves a capability that must name an open file and holds it. The
// caller unholds it once done with the file.
func (s *Server) fileOf(g gah.GAH, out protocol.Failer) (*object, bool) {
	obj, ok := s.resolve(g, out)
	if !ok {
		return nil, false
	}
	if obj.kind != kindFile {
		failErrno(out, syscall.EBADF)
		return nil, false
	}
	if !s.hold(obj, out) {
		return nil, false
	}
	return obj, true
}

// hold pins obj, failing out as an invalid handle when a close won the race.
func (s *Server) hold(obj *object, out protocol.Failer) bool {
	if obj.hold() {
		return true
	}
	s.invalid.Add(1)
	out.Fail(0, protocol.ErrGAHInvalid)
	return false
}

func (s *Server) opendir(ctx context.Context, in *protocol.GahStringIn, out *protocol.GahPairOut) {
	parent, ok := s.resolve(in.GAH, out)
	if !ok {
		return
	}
	p, err := parent.child(in.Name)
	if err != nil {
		fail(out, err)
		return
	}
	ents, err := parent.export.Backend.ReadDir(ctx, p)
	if err != nil {
		fail(out, err)
		return
	}

	dir := &object{kind: kindDir, export: parent.export, path: p, entries: make([]protocol.DirEntry, len(ents))}
	for i, e := range ents {
		fixIno(&e.Attr, "")
		dir.entries[i] = protocol.DirEntry{Name: e.Name, Attr: e.Attr, Next: uint64(i + 1)}
	}
	g, err := s.allocate(dir)
	if err != nil {
		out.Fail(0, protocol.ErrNoMem)
		return
	}
	out.GAH = g
}

func (s *Server) readdir(_ context.Context, in *protocol.ReaddirIn, out *protocol.ReaddirOut) {
	dir, ok := s.resolve(in.GAH, out)
	if !ok {
		return
	}
	if dir.kind != kindDir {
		failErrno(out, syscall.ENOTDIR)
		return
	}

	count := int(in.Count)
	if limit := int(dir.export.ReaddirSize); count <= 0 || count > limit {
		count = limit
	}
	start := len(dir.entries)
	if in.Offset < uint64(start) {
		start = int(in.Offset)
	}
	end := min(start+count, len(dir.entries))
	out.Replies = dir.entries[start:end]
	if end == len(dir.entries) {
		out.Last = 1
	}
}

func (s *Server) closedir(_ context.Context, in *protocol.GahIn) {
	dir, ok := s.resolve(in.GAH, nil)
	if !ok || dir.kind != kindDir {
		return
	}
	if err := s.release(in.GAH, dir); err != nil {
		s.logger.Debug("Closedir failed", "gah", in.GAH.String(), "error", err)
	}
}

func (s *Server) getattr(ctx context.Context, in *protocol.GahStringIn, out *protocol.AttrOut) {
	obj, ok := s.resolve(in.GAH, out)
	if !ok {
		return
	}
	p := obj.within(in.Name)
	attr, err := obj.export.Backend.Getattr(ctx, p)
	if err != nil {
		fail(out, err)
		return
	}
	fixIno(&attr, p)
	out.Data = attr
}

func (s *Server) getattrGAH(ctx context.Context, in *protocol.GahIn, out *protocol.AttrOut) {
	obj, ok := s.resolve(in.GAH, out)
	if !ok {
		return
	}
	var attr protocol.Attr
	var err error
	if obj.kind == kindFile {
		if !s.hold(obj, out) {
			return
		}
		defer obj.unhold()
		attr, err = obj.file.Getattr()
	} else {
		attr, err = obj.export.Backend.Getattr(ctx, obj.path)
	}
	if err != nil {
		fail(out, err)
		return
	}
	fixIno(&attr, obj.path)
	out.Data = attr
}

func (s *Server) writex(_ context.Context, in *protocol.WritexIn, out *protocol.WritexOut) {
	obj, ok := s.fileOf(in.GAH, out)
	if !ok {
		return
	}
	defer obj.unhold()
	if !writeable(obj.export, out) {
		return
	}
	data := in.Data
	if len(data) == 0 {
		data = in.DataBulk
	}
	if len(data) > int(obj.export.MaxWrite) {
		failErrno(out, syscall.EINVAL)
		return
	}
	base, ok := fileOffset(in.Base, out)
	if !ok {
		return
	}
	n, err := obj.file.Write(data, base)
	out.Len = uint64(n)
	out.IovLen = uint64(len(in.Data))
	out.BulkLen = uint64(len(in.DataBulk))
	if err != nil && n == 0 {
		fail(out, err)
	}
}

func (s *Server) truncate(ctx context.Context, in *protocol.TruncateIn, out *protocol.StatusOut) {
	e, ok := s.exportOf(in.FSID, out)
	if !ok || !writeable(e, out) {
		return
	}
	size, ok := fileOffset(in.Len, out)
	if !ok {
		return
	}
	if err := e.Backend.Truncate(ctx, storage.Clean(in.Path), size); err != nil {
		fail(out, err)
	}
}

func (s *Server) ftruncate(_ context.Context, in *protocol.FtruncateIn, out *protocol.StatusOut) {
	obj, ok := s.fileOf(in.GAH, out)
	if !ok {
		return
	}
	defer obj.unhold()
	if !writeable(obj.export, out) {
		return
	}
	size, ok := fileOffset(in.Len, out)
	if !ok {
		return
	}
	if err := obj.file.Truncate(size); err != nil {
		fail(out, err)
	}
}

func (s *Server) rmdir(ctx context.Context, in *protocol.StringIn, out *protocol.StatusOut) {
	e, ok := s.exportOf(in.FSID, out)
	if !ok || !writeable(e, out) {
		return
	}
	if err := e.Backend.Rmdir(ctx, storage.Clean(in.Path)); err != nil {
		fail(out, err)
	}
}

// rename moves OldPath to Name, both relative to the capability.
func (s *Server) rename(ctx context.Context, in *protocol.TwoStringIn, out *protocol.StatusOut) {
	obj, ok := s.resolve(in.GAH, out)
	if !ok || !writeable(obj.export, out) {
		return
	}
	if err := obj.export.Backend.Rename(ctx, obj.within(in.OldPath), obj.within(in.Name)); err != nil {
		fail(out, err)
	}
}

func (s *Server) readx(_ context.Context, in *protocol.ReadxIn, out *protocol.ReadxOut) {
	obj, ok := s.fileOf(in.GAH, out)
	if !ok {
		return
	}
	defer obj.unhold()
	base, ok := fileOffset(in.Base, out)
	if !ok {
		return
	}
	size := int(min(in.Len, uint64(obj.export.MaxRead)))
	buf := s.buffers.Get(size)
	defer s.buffers.Put(buf)

	n, err := obj.file.Read(buf, base)
	if err != nil {
		fail(out, err)
		return
	}
	out.Data = append([]byte(nil), buf[:n]...)
	out.IovLen = uint32(n)
}

// unlink removes a file, or a directory when Flags is 1.
func (s *Server) unlink(ctx context.Context, in *protocol.OpenIn, out *protocol.StatusOut) {
	parent, ok := s.resolve(in.GAH, out)
	if !ok || !writeable(parent.export, out) {
		return
	}
	p, err := parent.child(in.Name)
	if err != nil {
		fail(out, err)
		return
	}
	if in.Flags == 1 {
		err = parent.export.Backend.Rmdir(ctx, p)
	} else {
		err = parent.export.Backend.Unlink(ctx, p)
	}
	if err != nil {
		fail(out, err)
	}
}

func accessMutates(flags int) bool {
	acc := flags & unix.O_ACCMODE
	return acc == unix.O_WRONLY || acc == unix.O_RDWR || flags&unix.O_TRUNC != 0
}

func (s *Server) open(ctx context.Context, in *protocol.OpenIn, out *protocol.GahPairOut) {
	obj, ok := s.resolve(in.GAH, out)
	if !ok {
		return
	}
	flags := int(in.Flags)
	if accessMutates(flags) && !writeable(obj.export, out) {
		return
	}
	p := obj.path
	if in.Name != "" {
		var err error
		if p, err = obj.child(in.Name); err != nil {
			fail(out, err)
			return
		}
	}
	f, err := obj.export.Backend.Open(ctx, p, flags)
	if err != nil {
		fail(out, err)
		return
	}
	g, err := s.allocate(&object{kind: kindFile, export: obj.export, path: p, file: f})
	if err != nil {
		_ = f.Close()
		out.Fail(0, protocol.ErrNoMem)
		return
	}
	out.GAH = g
}

func (s *Server) create(ctx context.Context, in *protocol.CreateIn, out *protocol.CreateOut) {
	parent, ok := s.resolve(in.GAH, out)
	if !ok || !writeable(parent.export, out) {
		return
	}
	p, err := parent.child(in.Name)
	if err != nil {
		fail(out, err)
		return
	}
	f, err := parent.export.Backend.Create(ctx, p, int(in.Flags), uint32(in.Mode))
	if err != nil {
		fail(out, err)
		return
	}
	attr, err := f.Getattr()
	if err != nil {
		_ = f.Close()
		fail(out, err)
		return
	}
	fixIno(&attr, p)

	fg, err := s.allocate(&object{kind: kindFile, export: parent.export, path: p, file: f})
	if err != nil {
		_ = f.Close()
		out.Fail(0, protocol.ErrNoMem)
		return
	}
	if in.RegInode != 0 {
		ig, err := s.allocate(&object{kind: kindInode, export: parent.export, path: p})
		if err != nil {
			_ = s.release(fg, nil)
			_ = f.Close()
			out.Fail(0, protocol.ErrNoMem)
			return
		}
		out.InodeGAH = ig
	}
	out.GAH = fg
	out.Stat = attr
}

// closeHandle releases a file or inode capability. Export roots live as long
// as the server.
func (s *Server) closeHandle(_ context.Context, in *protocol.GahIn) {
	obj, ok := s.resolve(in.GAH, nil)
	if !ok || obj.root || obj.kind == kindDir {
		return
	}
	if err := s.release(in.GAH, obj); err != nil {
		s.logger.Debug("Close failed", "gah", in.GAH.String(), "error", err)
	}
}

func (s *Server) mkdir(ctx context.Context, in *protocol.CreateIn, out *protocol.StatusOut) {
	parent, ok := s.resolve(in.GAH, out)
	if !ok || !writeable(parent.export, out) {
		return
	}
	p, err := parent.child(in.Name)
	if err != nil {
		fail(out, err)
		return
	}
	if err := parent.export.Backend.Mkdir(ctx, p, uint32(in.Mode)); err != nil {
		fail(out, err)
	}
}

func (s *Server) readlink(ctx context.Context, in *protocol.StringIn, out *protocol.StringOut) {
	e, ok := s.exportOf(in.FSID, out)
	if !ok {
		return
	}
	target, err := e.Backend.Readlink(ctx, storage.Clean(in.Path))
	if err != nil {
		fail(out, err)
		return
	}
	out.Path = target
}

func (s *Server) readlinkGAH(ctx context.Context, in *protocol.GahIn, out *protocol.StringOut) {
	obj, ok := s.resolve(in.GAH, out)
	if !ok {
		return
	}
	target, err := obj.export.Backend.Readlink(ctx, obj.path)
	if err != nil {
		fail(out, err)
		return
	}
	out.Path = target
}

// symlink creates Name in the capability's directory pointing at OldPath.
func (s *Server) symlink(ctx context.Context, in *protocol.TwoStringIn, out *protocol.StatusOut) {
	parent, ok := s.resolve(in.GAH, out)
	if !ok || !writeable(parent.export, out) {
		return
	}
	p, err := parent.child(in.Name)
	if err != nil {
		fail(out, err)
		return
	}
	if err := parent.export.Backend.Symlink(ctx, in.OldPath, p); err != nil {
		fail(out, err)
	}
}

func (s *Server) sync(in *protocol.GahIn, out *protocol.StatusOut, datasync bool) {
	obj, ok := s.fileOf(in.GAH, out)
	if !ok {
		return
	}
	defer obj.unhold()
	if err := obj.file.Fsync(datasync); err != nil {
		fail(out, err)
	}
}

func (s *Server) fsync(_ context.Context, in *protocol.GahIn, out *protocol.StatusOut) {
	s.sync(in, out, false)
}

func (s *Server) fdatasync(_ context.Context, in *protocol.GahIn, out *protocol.StatusOut) {
	s.sync(in, out, true)
}

func (s *Server) chmod(ctx context.Context, in *protocol.ChmodIn, out *protocol.StatusOut) {
	e, ok := s.exportOf(in.FSID, out)
	if !ok || !writeable(e, out) {
		return
	}
	if err := e.Backend.Chmod(ctx, storage.Clean(in.Path), uint32(in.Mode)); err != nil {
		fail(out, err)
	}
}

func (s *Server) chmodGAH(ctx context.Context, in *protocol.ChmodGahIn, out *protocol.StatusOut) {
	obj, ok := s.resolve(in.GAH, out)
	if !ok || !writeable(obj.export, out) {
		return
	}
	var err error
	if obj.kind == kindFile {
		if !s.hold(obj, out) {
			return
		}
		defer obj.unhold()
		err = obj.file.Chmod(uint32(in.Mode))
	} else {
		err = obj.export.Backend.Chmod(ctx, obj.path, uint32(in.Mode))
	}
	if err != nil {
		fail(out, err)
	}
}

func (s *Server) utimens(ctx context.Context, in *protocol.UtimensIn, out *protocol.StatusOut) {
	e, ok := s.exportOf(in.FSID, out)
	if !ok || !writeable(e, out) {
		return
	}
	if err := e.Backend.Utimens(ctx, storage.Clean(in.Path), in.Times); err != nil {
		fail(out, err)
	}
}

func (s *Server) utimensGAH(ctx context.Context, in *protocol.UtimensGahIn, out *protocol.StatusOut) {
	obj, ok := s.resolve(in.GAH, out)
	if !ok || !writeable(obj.export, out) {
		return
	}
	var err error
	if obj.kind == kindFile {
		if !s.hold(obj, out) {
			return
		}
		defer obj.unhold()
		err = obj.file.Utimens(in.Times)
	} else {
		err = obj.export.Backend.Utimens(ctx, obj.path, in.Times)
	}
	if err != nil {
		fail(out, err)
	}
}

func (s *Server) statfs(ctx context.Context, in *protocol.GahIn, out *protocol.StatfsOut) {
	obj, ok := s.resolve(in.GAH, out)
	if !ok {
		return
	}
	st, err := obj.export.Backend.Statfs(ctx)
	if err != nil {
		fail(out, err)
		return
	}
	out.Data = st
}

func (s *Server) lookup(ctx context.Context, in *protocol.GahStringIn, out *protocol.LookupOut) {
	parent, ok := s.resolve(in.GAH, out)
	if !ok {
		return
	}
	attr, err := parent.export.Backend.Lookup(ctx, parent.path, in.Name)
	if err != nil {
		fail(out, err)
		return
	}
	p, err := parent.child(in.Name)
	if err != nil {
		fail(out, err)
		return
	}
	fixIno(&attr, p)

	g, err := s.allocate(&object{kind: kindInode, export: parent.export, path: p})
	if err != nil {
		out.Fail(0, protocol.ErrNoMem)
		return
	}
	out.GAH = g
	out.Stat = attr
}

func (s *Server) query(context.Context, any) (any, error) {
	projections := s.Projections()
	return &protocol.PsrQueryOut{
		ProtoVersion: protocol.ProtoVersion,
		Count:        uint32(len(projections)),
		Projections:  projections,
		PollInterval: s.cfg.PollInterval,
		Rank:         uint32(s.cfg.Rank),
		Features:     s.cfg.Features,
	}, nil
}
