package protocol

import (
	"github.com/iofwd/iof/pkg/gah"
)

// Remote error codes carried in the Err field of every reply. Rc carries the
// POSIX errno of the operation itself.
const (
	ErrNone int32 = iota
	ErrNoMem
	ErrProtocol
	ErrGAHInvalid
	ErrNotSupported
	ErrBadData
)

// Messages below are encoded as CBOR arrays; the struct field order is the wire
// field order of the matching descriptor and must not be changed.

// Attr is the stat payload carried as an IOVEC.
type Attr struct {
	_         struct{} `cbor:",toarray"`
	Ino       uint64
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint64
	Size      uint64
	Blksize   uint32
	Blocks    uint64
	Atime     int64
	AtimeNsec int64
	Mtime     int64
	MtimeNsec int64
	Ctime     int64
	CtimeNsec int64
}

// Statfs is the statvfs payload carried as an IOVEC.
type Statfs struct {
	_       struct{} `cbor:",toarray"`
	Bsize   uint64
	Frsize  uint64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	NameLen uint64
}

// Timespec is one timestamp of a utimens request. Nsec may be UtimeOmit or
// UtimeNow.
type Timespec struct {
	_    struct{} `cbor:",toarray"`
	Sec  int64
	Nsec int64
}

// Special Nsec values, as in utimensat(2).
const (
	UtimeNow  int64 = (1 << 30) - 1
	UtimeOmit int64 = (1 << 30) - 2
)

// Times is the atime/mtime pair of a utimens request.
type Times struct {
	_     struct{} `cbor:",toarray"`
	Atime Timespec
	Mtime Timespec
}

// DirEntry is one readdir reply.
type DirEntry struct {
	_    struct{} `cbor:",toarray"`
	Name string
	Attr Attr
	// Next is the offset to resume from after this entry.
	Next uint64
}

// ProjectionInfo describes one projection offered by an I/O node.
type ProjectionInfo struct {
	_           struct{} `cbor:",toarray"`
	Name        string
	FSID        int32
	GAH         gah.GAH
	Flags       uint64
	MaxRead     uint32
	MaxWrite    uint32
	MaxIOVRead  uint32
	ReaddirSize uint32
}

// GahStringIn: GAH, STRING.
type GahStringIn struct {
	_    struct{} `cbor:",toarray"`
	GAH  gah.GAH
	Name string
}

// StringIn: STRING, INT.
type StringIn struct {
	_    struct{} `cbor:",toarray"`
	Path string
	FSID int32
}

// StringOut: STRING, INT, INT.
type StringOut struct {
	_    struct{} `cbor:",toarray"`
	Path string
	Rc   int32
	Err  int32
}

// LookupOut: GAH, IOVEC, INT, INT.
type LookupOut struct {
	_    struct{} `cbor:",toarray"`
	GAH  gah.GAH
	Stat Attr
	Rc   int32
	Err  int32
}

// CreateOut: GAH, GAH, IOVEC, INT, INT. GAH is the open file, InodeGAH the
// entry for the created inode.
type CreateOut struct {
	_        struct{} `cbor:",toarray"`
	GAH      gah.GAH
	InodeGAH gah.GAH
	Stat     Attr
	Rc       int32
	Err      int32
}

// TwoStringIn: GAH, STRING, STRING.
type TwoStringIn struct {
	_       struct{} `cbor:",toarray"`
	GAH     gah.GAH
	Name    string
	OldPath string
}

// CreateIn: STRING, GAH, INT, INT, INT.
type CreateIn struct {
	_        struct{} `cbor:",toarray"`
	Name     string
	GAH      gah.GAH
	Mode     int32
	Flags    int32
	RegInode int32
}

// OpenIn: GAH, STRING, INT. Used by open, and by unlink with Flags=1 for a
// directory.
type OpenIn struct {
	_     struct{} `cbor:",toarray"`
	GAH   gah.GAH
	Name  string
	Flags int32
}

// IOVPairOut: IOVEC, INT, INT. The IOVEC is an Attr for getattr and a Statfs
// for statfs.
type IOVPairOut[T any] struct {
	_    struct{} `cbor:",toarray"`
	Data T
	Rc   int32
	Err  int32
}

// AttrOut is the getattr reply.
type AttrOut = IOVPairOut[Attr]

// StatfsOut is the statfs reply.
type StatfsOut = IOVPairOut[Statfs]

// GahPairOut: GAH, INT, INT.
type GahPairOut struct {
	_   struct{} `cbor:",toarray"`
	GAH gah.GAH
	Rc  int32
	Err int32
}

// ReaddirIn: GAH, BULK, UINT64, INT.
type ReaddirIn struct {
	_      struct{} `cbor:",toarray"`
	GAH    gah.GAH
	Bulk   []byte
	Offset uint64
	Count  int32
}

// ReaddirOut: IOVEC, INT, INT, INT, INT.
type ReaddirOut struct {
	_         struct{} `cbor:",toarray"`
	Replies   []DirEntry
	Last      int32
	BulkCount int32
	Rc        int32
	Err       int32
}

// PsrQueryOut: UINT32, UINT32, IOVEC, UINT32, UINT32, UINT32.
type PsrQueryOut struct {
	_            struct{} `cbor:",toarray"`
	ProtoVersion uint32
	Count        uint32
	Projections  []ProjectionInfo
	PollInterval uint32
	Rank         uint32
	Features     uint32
}

// ReadxIn: GAH, UINT64 x4, BULK x2.
type ReadxIn struct {
	_         struct{} `cbor:",toarray"`
	GAH       gah.GAH
	Base      uint64
	Len       uint64
	XtvecLen  uint64
	BulkLen   uint64
	XtvecBulk []byte
	DataBulk  []byte
}

// ReadxOut: IOVEC, UINT64, UINT32, INT, INT.
type ReadxOut struct {
	_       struct{} `cbor:",toarray"`
	Data    []byte
	BulkLen uint64
	IovLen  uint32
	Rc      int32
	Err     int32
}

// TruncateIn: STRING, UINT64, INT.
type TruncateIn struct {
	_    struct{} `cbor:",toarray"`
	Path string
	Len  uint64
	FSID int32
}

// FtruncateIn: GAH, UINT64.
type FtruncateIn struct {
	_   struct{} `cbor:",toarray"`
	GAH gah.GAH
	Len uint64
}

// StatusOut: INT, INT.
type StatusOut struct {
	_   struct{} `cbor:",toarray"`
	Rc  int32
	Err int32
}

// GahIn: GAH.
type GahIn struct {
	_   struct{} `cbor:",toarray"`
	GAH gah.GAH
}

// WritexIn: GAH, IOVEC, UINT64 x4, BULK x2.
type WritexIn struct {
	_            struct{} `cbor:",toarray"`
	GAH          gah.GAH
	Data         []byte
	XtvecLen     uint64
	XtvecBulkLen uint64
	Base         uint64
	BulkLen      uint64
	XtvecBulk    []byte
	DataBulk     []byte
}

// WritexOut: UINT64, INT, INT, UINT64, UINT64.
type WritexOut struct {
	_       struct{} `cbor:",toarray"`
	Len     uint64
	Rc      int32
	Err     int32
	IovLen  uint64
	BulkLen uint64
}

// ChmodIn: STRING, INT, INT.
type ChmodIn struct {
	_    struct{} `cbor:",toarray"`
	Path string
	Mode int32
	FSID int32
}

// ChmodGahIn: GAH, INT.
type ChmodGahIn struct {
	_    struct{} `cbor:",toarray"`
	GAH  gah.GAH
	Mode int32
}

// UtimensIn: STRING, IOVEC, INT.
type UtimensIn struct {
	_     struct{} `cbor:",toarray"`
	Path  string
	Times Times
	FSID  int32
}

// UtimensGahIn: GAH, IOVEC.
type UtimensGahIn struct {
	_     struct{} `cbor:",toarray"`
	GAH   gah.GAH
	Times Times
}

// Result is implemented by every reply that carries the Rc/Err status pair.
type Result interface {
	Status() (rc, err int32)
}

func (o *StringOut) Status() (int32, int32)     { return o.Rc, o.Err }
func (o *LookupOut) Status() (int32, int32)     { return o.Rc, o.Err }
func (o *CreateOut) Status() (int32, int32)     { return o.Rc, o.Err }
func (o *IOVPairOut[T]) Status() (int32, int32) { return o.Rc, o.Err }
func (o *GahPairOut) Status() (int32, int32)    { return o.Rc, o.Err }
func (o *ReaddirOut) Status() (int32, int32)    { return o.Rc, o.Err }
func (o *ReadxOut) Status() (int32, int32)      { return o.Rc, o.Err }
func (o *StatusOut) Status() (int32, int32)     { return o.Rc, o.Err }
func (o *WritexOut) Status() (int32, int32)     { return o.Rc, o.Err }

// Failer is implemented by replies whose status can be set by the server in one
// place, for example when the capability check fails before dispatch.
type Failer interface {
	Fail(rc, err int32)
}

func (o *StringOut) Fail(rc, err int32)     { o.Rc, o.Err = rc, err }
func (o *LookupOut) Fail(rc, err int32)     { o.Rc, o.Err = rc, err }
func (o *CreateOut) Fail(rc, err int32)     { o.Rc, o.Err = rc, err }
func (o *IOVPairOut[T]) Fail(rc, err int32) { o.Rc, o.Err = rc, err }
func (o *GahPairOut) Fail(rc, err int32)    { o.Rc, o.Err = rc, err }
func (o *ReaddirOut) Fail(rc, err int32)    { o.Rc, o.Err = rc, err }
func (o *ReadxOut) Fail(rc, err int32)      { o.Rc, o.Err = rc, err }
func (o *StatusOut) Fail(rc, err int32)     { o.Rc, o.Err = rc, err }
func (o *WritexOut) Fail(rc, err int32)     { o.Rc, o.Err = rc, err }

// GAHSetter is implemented by inputs addressed by a capability. The request
// engine copies the resolved token in just before sending.
type GAHSetter interface {
	SetGAH(g gah.GAH)
}

func (m *GahStringIn) SetGAH(g gah.GAH)  { m.GAH = g }
func (m *TwoStringIn) SetGAH(g gah.GAH)  { m.GAH = g }
func (m *CreateIn) SetGAH(g gah.GAH)     { m.GAH = g }
func (m *OpenIn) SetGAH(g gah.GAH)       { m.GAH = g }
func (m *ReaddirIn) SetGAH(g gah.GAH)    { m.GAH = g }
func (m *ReadxIn) SetGAH(g gah.GAH)      { m.GAH = g }
func (m *FtruncateIn) SetGAH(g gah.GAH)  { m.GAH = g }
func (m *GahIn) SetGAH(g gah.GAH)        { m.GAH = g }
func (m *WritexIn) SetGAH(g gah.GAH)     { m.GAH = g }
func (m *ChmodGahIn) SetGAH(g gah.GAH)   { m.GAH = g }
func (m *UtimensGahIn) SetGAH(g gah.GAH) { m.GAH = g }
