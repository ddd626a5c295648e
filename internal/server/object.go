package server

import (
	"path"
	"sync"

	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/storage"
	"github.com/iofwd/iof/pkg/gah"
)

type kind uint8

const (
	kindInode kind = iota
	kindDir
	kindFile
)

func (k kind) String() string {
	switch k {
	case kindInode:
		return "inode"
	case kindDir:
		return "dir"
	case kindFile:
		return "file"
	default:
		return "unknown"
	}
}

// object is the state a capability names.
type object struct {
	kind   kind
	export *export
	// path is relative to the export root.
	path string
	root bool

	file storage.File
	// entries is the directory listing taken at opendir.
	entries []protocol.DirEntry

	// mu is held shared by calls using file and exclusively by release.
	mu     sync.RWMutex
	closed bool
}

// hold pins obj for a call that uses its backend state. It fails once the
// object has been released.
func (o *object) hold() bool {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return false
	}
	return true
}

func (o *object) unhold() {
	o.mu.RUnlock()
}

// within resolves a client path relative to obj. Multi-component paths are
// allowed but cannot leave the export.
func (o *object) within(name string) string {
	return storage.Clean(path.Join(o.path, name))
}

// child resolves a single component name inside obj.
func (o *object) child(name string) (string, error) {
	return storage.Join(o.path, name)
}

func (s *Server) allocate(obj *object) (gah.GAH, error) {
	return s.store.Allocate(uint8(obj.export.fsid), obj)
}

// resolve validates g and returns its object. A rejected token fails out with
// ErrGAHInvalid.
func (s *Server) resolve(g gah.GAH, out protocol.Failer) (*object, bool) {
	data, err := s.store.Validate(g)
	if err != nil {
		s.invalid.Add(1)
		s.logger.Debug("Rejected handle", "gah", g.String(), "error", err)
		if out != nil {
			out.Fail(0, protocol.ErrGAHInvalid)
		}
		return nil, false
	}
	return data.(*object), true
}

// release frees the capability and whatever backend state it held. It waits
// for calls still holding obj.
func (s *Server) release(g gah.GAH, obj *object) error {
	obj.mu.Lock()
	defer obj.mu.Unlock()

	if obj.closed {
		return gah.ErrExpired
	}
	if err := s.store.Release(g); err != nil {
		return err
	}
	obj.closed = true
	if obj.file != nil {
		return obj.file.Close()
	}
	return nil
}

// fixIno keeps inode 1 for export roots. Clients use it to name the root.
func fixIno(a *protocol.Attr, p string) {
	if a.Ino == 1 && p != "." {
		a.Ino = 1 << 63
	}
}
