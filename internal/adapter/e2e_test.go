package adapter

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/suite"

	"github.com/iofwd/iof/internal/client"
	iofuse "github.com/iofwd/iof/internal/fuse"
)

// ForwardingSuite drives kernel requests through the whole stack: FUSE
// filesystem, projection, request engine, transport and I/O node, down to a
// local directory.
type ForwardingSuite struct {
	suite.Suite

	cluster *cluster
	adapter *Adapter
	rw      *iofuse.FileSystem
	ro      *iofuse.FileSystem
}

func TestForwardingSuite(t *testing.T) {
	suite.Run(t, new(ForwardingSuite))
}

func (s *ForwardingSuite) SetupTest() {
	s.cluster = newCluster(s.T(), "ionss0")
	s.adapter = startAdapter(s.T(), s.cluster, "ionss0")

	attached := s.adapter.Attached()
	s.Require().Len(attached, 2)
	s.rw, s.ro = attached[0].FileSystem, attached[1].FileSystem
}

func root() fuse.InHeader {
	return fuse.InHeader{NodeId: client.RootIno}
}

// readNames lists a directory through OpenDir and ReadDir.
func (s *ForwardingSuite) readNames(fs *iofuse.FileSystem, ino uint64) []string {
	var open fuse.OpenOut
	s.Require().Equal(fuse.OK, fs.OpenDir(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: ino}}, &open))
	defer fs.ReleaseDir(&fuse.ReleaseIn{Fh: open.Fh})

	var names []string
	offset := uint64(0)
	for {
		buf := make([]byte, 4096)
		list := fuse.NewDirEntryList(buf, offset)
		s.Require().Equal(fuse.OK, fs.ReadDir(nil, &fuse.ReadIn{Fh: open.Fh, Offset: offset}, list))
		if list.Offset == offset {
			break
		}
		names = append(names, parseDirents(buf)...)
		offset = list.Offset
	}
	sort.Strings(names)
	return names
}

// parseDirents decodes the FUSE dirents packed in buf, skipping dot entries.
func parseDirents(buf []byte) []string {
	const header = 24
	var names []string
	for len(buf) >= header {
		n := int(binary.LittleEndian.Uint32(buf[16:20]))
		if n == 0 || header+n > len(buf) {
			break
		}
		if name := string(buf[header : header+n]); name != "." && name != ".." {
			names = append(names, name)
		}
		size := (header + n + 7) &^ 7
		if size > len(buf) {
			break
		}
		buf = buf[size:]
	}
	return names
}

func (s *ForwardingSuite) TestCreateWriteReadBack() {
	var created fuse.CreateOut
	in := &fuse.CreateIn{InHeader: root(), Flags: syscall.O_RDWR, Mode: 0o644}
	s.Require().Equal(fuse.OK, s.rw.Create(nil, in, "notes.txt", &created))
	s.NotZero(created.NodeId)

	n, st := s.rw.Write(nil, &fuse.WriteIn{Fh: created.Fh}, []byte("forwarded"))
	s.Require().Equal(fuse.OK, st)
	s.Equal(uint32(9), n)
	s.Equal(fuse.OK, s.rw.Fsync(nil, &fuse.FsyncIn{Fh: created.Fh}))
	s.rw.Release(nil, &fuse.ReleaseIn{Fh: created.Fh})

	data, err := os.ReadFile(filepath.Join(s.cluster.dir, "notes.txt"))
	s.Require().NoError(err)
	s.Equal("forwarded", string(data))

	// The read-only projection of the same directory sees the file.
	var entry fuse.EntryOut
	s.Require().Equal(fuse.OK, s.ro.Lookup(nil, &fuse.InHeader{NodeId: client.RootIno}, "notes.txt", &entry))
	s.Equal(uint64(9), entry.Size)

	var open fuse.OpenOut
	s.Require().Equal(fuse.OK, s.ro.Open(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: entry.NodeId}}, &open))
	res, st := s.ro.Read(nil, &fuse.ReadIn{Fh: open.Fh, Offset: 4, Size: 64}, make([]byte, 64))
	s.Require().Equal(fuse.OK, st)
	got, _ := res.Bytes(make([]byte, 64))
	s.Equal("arded", string(got))
	s.ro.Release(nil, &fuse.ReleaseIn{Fh: open.Fh})
}

func (s *ForwardingSuite) TestReadOnlyProjectionRefusesWrites() {
	var created fuse.CreateOut
	in := &fuse.CreateIn{InHeader: root(), Flags: syscall.O_WRONLY, Mode: 0o644}
	s.Equal(fuse.Status(syscall.EROFS), s.ro.Create(nil, in, "nope", &created))

	var entry fuse.EntryOut
	s.Equal(fuse.Status(syscall.EROFS), s.ro.Mkdir(nil, &fuse.MkdirIn{InHeader: root(), Mode: 0o755}, "d", &entry))

	_, err := os.Stat(filepath.Join(s.cluster.dir, "nope"))
	s.True(os.IsNotExist(err))
}

func (s *ForwardingSuite) TestNamespace() {
	var dir fuse.EntryOut
	s.Require().Equal(fuse.OK, s.rw.Mkdir(nil, &fuse.MkdirIn{InHeader: root(), Mode: 0o755}, "sub", &dir))
	s.True(dir.Mode&syscall.S_IFDIR != 0)

	var link fuse.EntryOut
	s.Require().Equal(fuse.OK, s.rw.Symlink(nil, &fuse.InHeader{NodeId: dir.NodeId}, "../target", "ln", &link))
	target, st := s.rw.Readlink(nil, &fuse.InHeader{NodeId: link.NodeId})
	s.Require().Equal(fuse.OK, st)
	s.Equal("../target", string(target))

	s.Equal([]string{"ln"}, s.readNames(s.rw, dir.NodeId))

	rename := &fuse.RenameIn{InHeader: fuse.InHeader{NodeId: dir.NodeId}, Newdir: client.RootIno}
	s.Require().Equal(fuse.OK, s.rw.Rename(nil, rename, "ln", "moved"))
	s.Equal([]string{"moved", "sub"}, s.readNames(s.rw, client.RootIno))

	s.Equal(fuse.OK, s.rw.Unlink(nil, &fuse.InHeader{NodeId: client.RootIno}, "moved"))
	s.Equal(fuse.OK, s.rw.Rmdir(nil, &fuse.InHeader{NodeId: client.RootIno}, "sub"))
	s.Empty(s.readNames(s.rw, client.RootIno))

	var missing fuse.EntryOut
	s.Equal(fuse.ENOENT, s.rw.Lookup(nil, &fuse.InHeader{NodeId: client.RootIno}, "sub", &missing))
}

func (s *ForwardingSuite) TestStatFs() {
	var out fuse.StatfsOut
	s.Require().Equal(fuse.OK, s.rw.StatFs(nil, &fuse.InHeader{NodeId: client.RootIno}, &out))
	s.NotZero(out.Bsize)
	s.NotZero(out.Blocks)
}

func (s *ForwardingSuite) TestStopReleasesHandles() {
	s.Require().NoError(os.WriteFile(filepath.Join(s.cluster.dir, "held"), []byte("x"), 0o644))

	var entry fuse.EntryOut
	s.Require().Equal(fuse.OK, s.rw.Lookup(nil, &fuse.InHeader{NodeId: client.RootIno}, "held", &entry))
	var open fuse.OpenOut
	s.Require().Equal(fuse.OK, s.rw.Open(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: entry.NodeId}}, &open))
	s.Equal(2, s.cluster.servers["ionss0"].OpenHandles())

	s.Require().NoError(s.adapter.Stop(context.Background()))
	s.Equal(0, s.cluster.servers["ionss0"].OpenHandles())
}
