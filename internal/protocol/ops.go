package protocol

// Class names and id bases. Changing the order of the operation tables below
// changes wire op codes.
const (
	ClassPrivate  = "IOF_PRIVATE"
	PrivateIDBase = 0x10F00

	ClassQuery  = "IOF_QUERY"
	QueryIDBase = 0x10E00

	// ProtoVersion is reported by psr_query so clients can refuse a mismatched node.
	ProtoVersion = 1
)

// Op is the ordinal of an IOF_PRIVATE operation.
type Op int

const (
	OpOpendir Op = iota
	OpReaddir
	OpClosedir
	OpGetattr
	OpGetattrGAH
	OpWritex
	OpTruncate
	OpFtruncate
	OpRmdir
	OpRename
	OpReadx
	OpUnlink
	OpOpen
	OpCreate
	OpClose
	OpMkdir
	OpReadlink
	OpReadlinkLL
	OpSymlink
	OpFsync
	OpFdatasync
	OpChmod
	OpChmodGAH
	OpUtimens
	OpUtimensGAH
	OpStatfs
	OpLookup

	NumPrivateOps int = iota
)

// OpPsrQuery is the only IOF_QUERY operation.
const OpPsrQuery Op = 0

var opNames = [...]string{
	OpOpendir:    "opendir",
	OpReaddir:    "readdir",
	OpClosedir:   "closedir",
	OpGetattr:    "getattr",
	OpGetattrGAH: "getattr_gah",
	OpWritex:     "writex",
	OpTruncate:   "truncate",
	OpFtruncate:  "ftruncate",
	OpRmdir:      "rmdir",
	OpRename:     "rename",
	OpReadx:      "readx",
	OpUnlink:     "unlink",
	OpOpen:       "open",
	OpCreate:     "create",
	OpClose:      "close",
	OpMkdir:      "mkdir",
	OpReadlink:   "readlink",
	OpReadlinkLL: "readlink_ll",
	OpSymlink:    "symlink",
	OpFsync:      "fsync",
	OpFdatasync:  "fdatasync",
	OpChmod:      "chmod",
	OpChmodGAH:   "chmod_gah",
	OpUtimens:    "utimens",
	OpUtimensGAH: "utimens_gah",
	OpStatfs:     "statfs",
	OpLookup:     "lookup",
}

// String returns the symbolic name of an IOF_PRIVATE op.
func (o Op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return "unknown"
	}
	return opNames[o]
}

// Field lists, named after the layouts they describe.
var (
	gahStringIn = []FieldKind{FieldGAH, FieldString}
	stringIn    = []FieldKind{FieldString, FieldInt}
	stringOut   = []FieldKind{FieldString, FieldInt, FieldInt}
	lookupOut   = []FieldKind{FieldGAH, FieldIOVec, FieldInt, FieldInt}
	createOut   = []FieldKind{FieldGAH, FieldGAH, FieldIOVec, FieldInt, FieldInt}
	twoStringIn = []FieldKind{FieldGAH, FieldString, FieldString}
	createIn    = []FieldKind{FieldString, FieldGAH, FieldInt, FieldInt, FieldInt}
	openIn      = []FieldKind{FieldGAH, FieldString, FieldInt}
	iovPair     = []FieldKind{FieldIOVec, FieldInt, FieldInt}
	gahPair     = []FieldKind{FieldGAH, FieldInt, FieldInt}
	readdirIn   = []FieldKind{FieldGAH, FieldBulk, FieldUint64, FieldInt}
	readdirOut  = []FieldKind{FieldIOVec, FieldInt, FieldInt, FieldInt, FieldInt}
	psrOut      = []FieldKind{FieldUint32, FieldUint32, FieldIOVec, FieldUint32, FieldUint32, FieldUint32}
	readxIn     = []FieldKind{FieldGAH, FieldUint64, FieldUint64, FieldUint64, FieldUint64, FieldBulk, FieldBulk}
	readxOut    = []FieldKind{FieldIOVec, FieldUint64, FieldUint32, FieldInt, FieldInt}
	truncateIn  = []FieldKind{FieldString, FieldUint64, FieldInt}
	ftruncateIn = []FieldKind{FieldGAH, FieldUint64}
	statusOut   = []FieldKind{FieldInt, FieldInt}
	gahIn       = []FieldKind{FieldGAH}
	writexIn    = []FieldKind{FieldGAH, FieldIOVec, FieldUint64, FieldUint64, FieldUint64, FieldUint64, FieldBulk, FieldBulk}
	writexOut   = []FieldKind{FieldUint64, FieldInt, FieldInt, FieldUint64, FieldUint64}
	chmodIn     = []FieldKind{FieldString, FieldInt, FieldInt}
	chmodGahIn  = []FieldKind{FieldGAH, FieldInt}
	utimensIn   = []FieldKind{FieldString, FieldIOVec, FieldInt}
	utimensGah  = []FieldKind{FieldGAH, FieldIOVec}
)

func newOf[T any]() func() any {
	return func() any { return new(T) }
}

func rpc(op Op, in []FieldKind, newIn func() any, out []FieldKind, newOut func() any) Descriptor {
	return Descriptor{Name: op.String(), In: in, Out: out, NewIn: newIn, NewOut: newOut}
}

// PrivateOps returns the IOF_PRIVATE descriptors in ordinal order.
func PrivateOps() []Descriptor {
	return []Descriptor{
		OpOpendir:    rpc(OpOpendir, gahStringIn, newOf[GahStringIn](), gahPair, newOf[GahPairOut]()),
		OpReaddir:    rpc(OpReaddir, readdirIn, newOf[ReaddirIn](), readdirOut, newOf[ReaddirOut]()),
		OpClosedir:   rpc(OpClosedir, gahIn, newOf[GahIn](), nil, nil),
		OpGetattr:    rpc(OpGetattr, gahStringIn, newOf[GahStringIn](), iovPair, newOf[AttrOut]()),
		OpGetattrGAH: rpc(OpGetattrGAH, gahIn, newOf[GahIn](), iovPair, newOf[AttrOut]()),
		OpWritex:     rpc(OpWritex, writexIn, newOf[WritexIn](), writexOut, newOf[WritexOut]()),
		OpTruncate:   rpc(OpTruncate, truncateIn, newOf[TruncateIn](), statusOut, newOf[StatusOut]()),
		OpFtruncate:  rpc(OpFtruncate, ftruncateIn, newOf[FtruncateIn](), statusOut, newOf[StatusOut]()),
		OpRmdir:      rpc(OpRmdir, stringIn, newOf[StringIn](), statusOut, newOf[StatusOut]()),
		OpRename:     rpc(OpRename, twoStringIn, newOf[TwoStringIn](), statusOut, newOf[StatusOut]()),
		OpReadx:      rpc(OpReadx, readxIn, newOf[ReadxIn](), readxOut, newOf[ReadxOut]()),
		OpUnlink:     rpc(OpUnlink, openIn, newOf[OpenIn](), statusOut, newOf[StatusOut]()),
		OpOpen:       rpc(OpOpen, openIn, newOf[OpenIn](), gahPair, newOf[GahPairOut]()),
		OpCreate:     rpc(OpCreate, createIn, newOf[CreateIn](), createOut, newOf[CreateOut]()),
		OpClose:      rpc(OpClose, gahIn, newOf[GahIn](), nil, nil),
		OpMkdir:      rpc(OpMkdir, createIn, newOf[CreateIn](), statusOut, newOf[StatusOut]()),
		OpReadlink:   rpc(OpReadlink, stringIn, newOf[StringIn](), stringOut, newOf[StringOut]()),
		OpReadlinkLL: rpc(OpReadlinkLL, gahIn, newOf[GahIn](), stringOut, newOf[StringOut]()),
		OpSymlink:    rpc(OpSymlink, twoStringIn, newOf[TwoStringIn](), statusOut, newOf[StatusOut]()),
		OpFsync:      rpc(OpFsync, gahIn, newOf[GahIn](), statusOut, newOf[StatusOut]()),
		OpFdatasync:  rpc(OpFdatasync, gahIn, newOf[GahIn](), statusOut, newOf[StatusOut]()),
		OpChmod:      rpc(OpChmod, chmodIn, newOf[ChmodIn](), statusOut, newOf[StatusOut]()),
		OpChmodGAH:   rpc(OpChmodGAH, chmodGahIn, newOf[ChmodGahIn](), statusOut, newOf[StatusOut]()),
		OpUtimens:    rpc(OpUtimens, utimensIn, newOf[UtimensIn](), statusOut, newOf[StatusOut]()),
		OpUtimensGAH: rpc(OpUtimensGAH, utimensGah, newOf[UtimensGahIn](), statusOut, newOf[StatusOut]()),
		OpStatfs:     rpc(OpStatfs, gahIn, newOf[GahIn](), iovPair, newOf[StatfsOut]()),
		OpLookup:     rpc(OpLookup, gahStringIn, newOf[GahStringIn](), lookupOut, newOf[LookupOut]()),
	}
}

// QueryOps returns the IOF_QUERY descriptors.
func QueryOps() []Descriptor {
	return []Descriptor{
		{Name: "psr_query", Out: psrOut, NewOut: newOf[PsrQueryOut]()},
	}
}

// NewDefaultRegistry returns a registry holding the IOF_PRIVATE and IOF_QUERY
// classes.
func NewDefaultRegistry(r *Registry) (*Registry, error) {
	if _, err := r.RegisterClass(ClassPrivate, PrivateIDBase, PrivateOps()); err != nil {
		return nil, err
	}
	if _, err := r.RegisterClass(ClassQuery, QueryIDBase, QueryOps()); err != nil {
		return nil, err
	}
	return r, nil
}
