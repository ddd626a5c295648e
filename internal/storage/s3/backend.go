package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"golang.org/x/sys/unix"

	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/storage"
	"github.com/iofwd/iof/pkg/errors"
)

// Metadata keys. The SDK hands metadata back with lower-case keys.
const (
	metaMode    = "iof-mode"
	metaMtime   = "iof-mtime"
	metaSymlink = "iof-symlink"
)

const (
	blockSize   = 4096
	defaultFile = unix.S_IFREG | 0o644
	defaultDir  = unix.S_IFDIR | 0o755
)

// objectAPI is the part of *s3.Client the backend uses.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Backend implements storage.Backend over a bucket.
type Backend struct {
	api         objectAPI
	transporter *cargoships3.Transporter
	cfg         Config
	prefix      string
	uid, gid    uint32
	logger      *slog.Logger
}

var _ storage.Backend = (*Backend)(nil)

// NewBackend connects to the bucket named in cfg and checks that it is
// reachable.
func NewBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (*Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("s3 backend: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "s3-backend", "bucket", cfg.Bucket)

	client, transporter, err := newClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b := newBackend(client, transporter, cfg, logger)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("S3 backend health check failed: %w", err)
	}
	return b, nil
}

func newBackend(api objectAPI, transporter *cargoships3.Transporter, cfg *Config, logger *slog.Logger) *Backend {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Backend{
		api:         api,
		transporter: transporter,
		cfg:         *cfg,
		prefix:      prefix,
		uid:         uint32(os.Getuid()),
		gid:         uint32(os.Getgid()),
		logger:      logger,
	}
}

// HealthCheck verifies the bucket is reachable.
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.cfg.Bucket)})
	if err != nil {
		return b.translateError(err, errors.ErrCodeStorageRead, "HeadBucket", b.cfg.Bucket)
	}
	return nil
}

// fileKey is the key of a regular file or symbolic link.
func (b *Backend) fileKey(name string) string {
	return b.prefix + storage.Clean(name)
}

// dirKey is the marker key of a directory, the bare prefix for the root.
func (b *Backend) dirKey(name string) string {
	name = storage.Clean(name)
	if name == "." {
		return b.prefix
	}
	return b.prefix + name + "/"
}

func inode(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	ino := h.Sum64()
	if ino <= 1 {
		ino += 2
	}
	return ino
}

func (b *Backend) attr(key string, mode uint32, size int64, mtime time.Time, meta map[string]string) protocol.Attr {
	if v, ok := meta[metaMode]; ok {
		if m, err := strconv.ParseUint(v, 8, 32); err == nil {
			mode = uint32(m)
		}
	}
	if v, ok := meta[metaMtime]; ok {
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			mtime = time.Unix(0, ns)
		}
	}
	if target, ok := meta[metaSymlink]; ok {
		mode = unix.S_IFLNK | 0o777
		size = int64(len(target))
	}
	nlink := uint32(1)
	if mode&unix.S_IFMT == unix.S_IFDIR {
		nlink = 2
	}
	return protocol.Attr{
		Ino:       inode(key),
		Mode:      mode,
		Nlink:     nlink,
		UID:       b.uid,
		GID:       b.gid,
		Size:      uint64(size),
		Blksize:   blockSize,
		Blocks:    uint64((size + 511) / 512),
		Atime:     mtime.Unix(),
		AtimeNsec: int64(mtime.Nanosecond()),
		Mtime:     mtime.Unix(),
		MtimeNsec: int64(mtime.Nanosecond()),
		Ctime:     mtime.Unix(),
		CtimeNsec: int64(mtime.Nanosecond()),
	}
}

func (b *Backend) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.translateError(err, errors.ErrCodeStorageRead, "HeadObject", key)
	}
	return out, nil
}

// hasChildren reports whether any key other than the marker lives below dir.
func (b *Backend) hasChildren(ctx context.Context, dir string) (bool, error) {
	out, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.cfg.Bucket),
		Prefix:    aws.String(dir),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(2),
	})
	if err != nil {
		return false, b.translateError(err, errors.ErrCodeStorageRead, "ListObjectsV2", dir)
	}
	for _, o := range out.Contents {
		if aws.ToString(o.Key) != dir {
			return true, nil
		}
	}
	return len(out.CommonPrefixes) > 0, nil
}

// stat resolves name to a file, a marker directory or an implied directory.
func (b *Backend) stat(ctx context.Context, name string) (protocol.Attr, error) {
	name = storage.Clean(name)
	if name == "." {
		return b.attr(b.dirKey(name), defaultDir, 0, time.Unix(0, 0), nil), nil
	}

	key := b.fileKey(name)
	out, err := b.head(ctx, key)
	if err == nil {
		return b.attr(key, defaultFile, aws.ToInt64(out.ContentLength), aws.ToTime(out.LastModified), out.Metadata), nil
	}
	if errors.Errno(err) != syscall.ENOENT {
		return protocol.Attr{}, err
	}

	dir := b.dirKey(name)
	if out, err := b.head(ctx, dir); err == nil {
		return b.attr(dir, defaultDir, 0, aws.ToTime(out.LastModified), out.Metadata), nil
	} else if errors.Errno(err) != syscall.ENOENT {
		return protocol.Attr{}, err
	}
	ok, err := b.hasChildren(ctx, dir)
	if err != nil {
		return protocol.Attr{}, err
	}
	if !ok {
		return protocol.Attr{}, notFound("stat", name)
	}
	return b.attr(dir, defaultDir, 0, time.Unix(0, 0), nil), nil
}

func isDir(a protocol.Attr) bool {
	return a.Mode&unix.S_IFMT == unix.S_IFDIR
}

func (b *Backend) requireDir(ctx context.Context, name string) error {
	a, err := b.stat(ctx, name)
	if err != nil {
		return err
	}
	if !isDir(a) {
		return fsError("stat", name, syscall.ENOTDIR)
	}
	return nil
}

func (b *Backend) Lookup(ctx context.Context, dir, name string) (protocol.Attr, error) {
	p, err := storage.Join(dir, name)
	if err != nil {
		return protocol.Attr{}, err
	}
	return b.stat(ctx, p)
}

func (b *Backend) Getattr(ctx context.Context, name string) (protocol.Attr, error) {
	return b.stat(ctx, name)
}

func (b *Backend) Open(ctx context.Context, name string, flags int) (storage.File, error) {
	a, err := b.stat(ctx, name)
	if err != nil {
		return nil, err
	}
	switch a.Mode & unix.S_IFMT {
	case unix.S_IFREG:
	case unix.S_IFDIR:
		if flags&unix.O_ACCMODE != unix.O_RDONLY {
			return nil, fsError("open", name, syscall.EISDIR)
		}
		return nil, fsError("open", name, syscall.ENOTSUP)
	default:
		return nil, fsError("open", name, syscall.ELOOP)
	}

	o := b.newObject(b.fileKey(name), a)
	if flags&unix.O_TRUNC != 0 && flags&unix.O_ACCMODE != unix.O_RDONLY {
		o.loaded, o.dirty = true, true
	}
	return o, nil
}

func (b *Backend) Create(ctx context.Context, name string, flags int, mode uint32) (storage.File, error) {
	name = storage.Clean(name)
	a, err := b.stat(ctx, name)
	switch {
	case err == nil && flags&unix.O_EXCL != 0:
		return nil, fsError("create", name, syscall.EEXIST)
	case err == nil:
		return b.Open(ctx, name, flags)
	case errors.Errno(err) != syscall.ENOENT:
		return nil, err
	}
	if err := b.requireDir(ctx, path.Dir(name)); err != nil {
		return nil, err
	}

	key := b.fileKey(name)
	a = b.attr(key, unix.S_IFREG|mode&0o7777, 0, time.Now(), nil)
	o := b.newObject(key, a)
	o.meta[metaMode] = strconv.FormatUint(uint64(a.Mode), 8)
	o.loaded, o.dirty = true, true
	if err := o.flush(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (b *Backend) Truncate(ctx context.Context, name string, size int64) error {
	f, err := b.Open(ctx, name, unix.O_RDWR)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (b *Backend) put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      meta,
		StorageClass:  storageClass(b.cfg.StorageTier),
	})
	if err != nil {
		return b.translateError(err, errors.ErrCodeStorageWrite, "PutObject", key)
	}
	return nil
}

func (b *Backend) delete(ctx context.Context, key string) error {
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.translateError(err, errors.ErrCodeStorageWrite, "DeleteObject", key)
	}
	return nil
}

// copy copies src to dst. With meta set the metadata is replaced, otherwise it
// travels with the object.
func (b *Backend) copy(ctx context.Context, src, dst string, meta map[string]string) error {
	in := &s3.CopyObjectInput{
		Bucket:       aws.String(b.cfg.Bucket),
		Key:          aws.String(dst),
		CopySource:   aws.String((&url.URL{Path: b.cfg.Bucket + "/" + src}).EscapedPath()),
		StorageClass: storageClass(b.cfg.StorageTier),
	}
	if meta != nil {
		in.Metadata = meta
		in.MetadataDirective = s3types.MetadataDirectiveReplace
	}
	if _, err := b.api.CopyObject(ctx, in); err != nil {
		return b.translateError(err, errors.ErrCodeStorageWrite, "CopyObject", src)
	}
	return nil
}

func (b *Backend) Mkdir(ctx context.Context, name string, mode uint32) error {
	name = storage.Clean(name)
	if _, err := b.stat(ctx, name); err == nil {
		return fsError("mkdir", name, syscall.EEXIST)
	} else if errors.Errno(err) != syscall.ENOENT {
		return err
	}
	if err := b.requireDir(ctx, path.Dir(name)); err != nil {
		return err
	}
	meta := map[string]string{metaMode: strconv.FormatUint(uint64(unix.S_IFDIR|mode&0o7777), 8)}
	return b.put(ctx, b.dirKey(name), nil, meta)
}

func (b *Backend) Unlink(ctx context.Context, name string) error {
	a, err := b.stat(ctx, name)
	if err != nil {
		return err
	}
	if isDir(a) {
		return fsError("unlink", name, syscall.EISDIR)
	}
	return b.delete(ctx, b.fileKey(name))
}

func (b *Backend) Rmdir(ctx context.Context, name string) error {
	if storage.Clean(name) == "." {
		return fsError("rmdir", name, syscall.EBUSY)
	}
	if err := b.requireDir(ctx, name); err != nil {
		return err
	}
	dir := b.dirKey(name)
	busy, err := b.hasChildren(ctx, dir)
	if err != nil {
		return err
	}
	if busy {
		return fsError("rmdir", name, syscall.ENOTEMPTY)
	}
	return b.delete(ctx, dir)
}

// list calls fn for every key and common prefix directly below dir, or for
// every key below dir when recursive is set.
func (b *Backend) list(ctx context.Context, dir string, recursive bool, fn func(key string, o *s3types.Object) error) error {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket),
		Prefix: aws.String(dir),
	}
	if !recursive {
		in.Delimiter = aws.String("/")
	}
	for {
		out, err := b.api.ListObjectsV2(ctx, in)
		if err != nil {
			return b.translateError(err, errors.ErrCodeStorageRead, "ListObjectsV2", dir)
		}
		for i := range out.Contents {
			if err := fn(aws.ToString(out.Contents[i].Key), &out.Contents[i]); err != nil {
				return err
			}
		}
		for _, cp := range out.CommonPrefixes {
			if err := fn(aws.ToString(cp.Prefix), nil); err != nil {
				return err
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

// Rename moves a file, or every key below a directory. Directory renames are
// not atomic.
func (b *Backend) Rename(ctx context.Context, from, to string) error {
	from, to = storage.Clean(from), storage.Clean(to)
	if from == "." || to == "." {
		return fsError("rename", from, syscall.EBUSY)
	}
	a, err := b.stat(ctx, from)
	if err != nil {
		return err
	}
	if err := b.requireDir(ctx, path.Dir(to)); err != nil {
		return err
	}

	if !isDir(a) {
		if err := b.copy(ctx, b.fileKey(from), b.fileKey(to), nil); err != nil {
			return err
		}
		return b.delete(ctx, b.fileKey(from))
	}

	if strings.HasPrefix(to+"/", from+"/") {
		return fsError("rename", from, syscall.EINVAL)
	}
	src, dst := b.dirKey(from), b.dirKey(to)
	var keys []string
	if err := b.list(ctx, src, true, func(key string, _ *s3types.Object) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	marker := false
	for _, key := range keys {
		marker = marker || key == src
		if err := b.copy(ctx, key, dst+strings.TrimPrefix(key, src), nil); err != nil {
			return err
		}
	}
	if !marker {
		meta := map[string]string{metaMode: strconv.FormatUint(uint64(a.Mode), 8)}
		if err := b.put(ctx, dst, nil, meta); err != nil {
			return err
		}
	}
	for _, key := range keys {
		if err := b.delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Symlink(ctx context.Context, target, name string) error {
	name = storage.Clean(name)
	if _, err := b.stat(ctx, name); err == nil {
		return fsError("symlink", name, syscall.EEXIST)
	} else if errors.Errno(err) != syscall.ENOENT {
		return err
	}
	if err := b.requireDir(ctx, path.Dir(name)); err != nil {
		return err
	}
	return b.put(ctx, b.fileKey(name), nil, map[string]string{metaSymlink: target})
}

func (b *Backend) Readlink(ctx context.Context, name string) (string, error) {
	out, err := b.head(ctx, b.fileKey(name))
	if err != nil {
		return "", err
	}
	target, ok := out.Metadata[metaSymlink]
	if !ok {
		return "", fsError("readlink", name, syscall.EINVAL)
	}
	return target, nil
}

// updateMeta rewrites the metadata of the object behind name in place. An
// implied directory gets a marker first.
func (b *Backend) updateMeta(ctx context.Context, name string, fn func(meta map[string]string, a protocol.Attr)) error {
	a, err := b.stat(ctx, name)
	if err != nil {
		return err
	}
	key := b.fileKey(name)
	if isDir(a) {
		key = b.dirKey(name)
	}

	meta := map[string]string{}
	out, err := b.head(ctx, key)
	switch {
	case err == nil:
		for k, v := range out.Metadata {
			meta[k] = v
		}
	case isDir(a) && errors.Errno(err) == syscall.ENOENT:
		fn(meta, a)
		return b.put(ctx, key, nil, meta)
	default:
		return err
	}
	fn(meta, a)
	return b.copy(ctx, key, key, meta)
}

func (b *Backend) Chmod(ctx context.Context, name string, mode uint32) error {
	return b.updateMeta(ctx, name, func(meta map[string]string, a protocol.Attr) {
		meta[metaMode] = strconv.FormatUint(uint64(a.Mode&unix.S_IFMT|mode&0o7777), 8)
	})
}

// mtimeOf returns the modification time to store, false when it is omitted.
// Access times are not kept.
func mtimeOf(t protocol.Times) (time.Time, bool) {
	switch t.Mtime.Nsec {
	case protocol.UtimeOmit:
		return time.Time{}, false
	case protocol.UtimeNow:
		return time.Now(), true
	default:
		return time.Unix(t.Mtime.Sec, t.Mtime.Nsec), true
	}
}

func (b *Backend) Utimens(ctx context.Context, name string, times protocol.Times) error {
	mtime, ok := mtimeOf(times)
	if !ok {
		_, err := b.stat(ctx, name)
		return err
	}
	return b.updateMeta(ctx, name, func(meta map[string]string, _ protocol.Attr) {
		meta[metaMtime] = strconv.FormatInt(mtime.UnixNano(), 10)
	})
}

// Statfs reports a fixed, large filesystem; buckets have no capacity.
func (b *Backend) Statfs(context.Context) (protocol.Statfs, error) {
	const blocks = 1 << 40 / blockSize
	const files = 1 << 32
	return protocol.Statfs{
		Bsize:   blockSize,
		Frsize:  blockSize,
		Blocks:  blocks,
		Bfree:   blocks,
		Bavail:  blocks,
		Files:   files,
		Ffree:   files,
		NameLen: 1024,
	}, nil
}

func (b *Backend) ReadDir(ctx context.Context, name string) ([]storage.Dirent, error) {
	if err := b.requireDir(ctx, name); err != nil {
		return nil, err
	}
	dir := b.dirKey(name)
	var ents []storage.Dirent
	err := b.list(ctx, dir, false, func(key string, o *s3types.Object) error {
		if key == dir {
			return nil
		}
		child := strings.TrimSuffix(strings.TrimPrefix(key, dir), "/")
		if o == nil {
			ents = append(ents, storage.Dirent{Name: child, Attr: b.attr(key, defaultDir, 0, time.Unix(0, 0), nil)})
			return nil
		}
		// Listings carry no metadata.
		out, err := b.head(ctx, key)
		if err != nil {
			b.logger.Debug("Skipping entry", "key", key, "error", err)
			return nil
		}
		ents = append(ents, storage.Dirent{
			Name: child,
			Attr: b.attr(key, defaultFile, aws.ToInt64(out.ContentLength), aws.ToTime(out.LastModified), out.Metadata),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ents, nil
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
}

func fsError(op, name string, errno syscall.Errno) error {
	return errors.Newf(errors.ErrCodeOperationFailed, "%s %s", op, name).
		WithComponent("s3-backend").WithOperation(op).WithErrno(errno)
}

func notFound(op, name string) error {
	return fsError(op, name, syscall.ENOENT)
}

func (b *Backend) translateError(err error, code errors.ErrorCode, operation, key string) error {
	errno := syscall.EIO
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		errno = syscall.ENOENT
	case isErrorType[*s3types.NoSuchBucket](err):
		errno = syscall.ENODEV
	case stderrors.Is(err, context.DeadlineExceeded):
		errno = syscall.ETIMEDOUT
	}
	return errors.Wrap(err, code, fmt.Sprintf("%s failed for %s", operation, key)).
		WithComponent("s3-backend").WithOperation(operation).WithErrno(errno)
}

func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}

// object is an open file staged in memory.
type object struct {
	b   *Backend
	key string

	mu     sync.Mutex
	meta   map[string]string
	attr   protocol.Attr
	data   []byte
	loaded bool
	dirty  bool
}

func (b *Backend) newObject(key string, a protocol.Attr) *object {
	meta := map[string]string{}
	if a.Mode != defaultFile {
		meta[metaMode] = strconv.FormatUint(uint64(a.Mode), 8)
	}
	return &object{b: b, key: key, meta: meta, attr: a}
}

// load fetches the object body once. The caller holds o.mu.
func (o *object) load() error {
	if o.loaded {
		return nil
	}
	ctx, cancel := o.b.opContext()
	defer cancel()

	out, err := o.b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.b.cfg.Bucket),
		Key:    aws.String(o.key),
	})
	if err != nil {
		return o.b.translateError(err, errors.ErrCodeStorageRead, "GetObject", o.key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return o.b.translateError(err, errors.ErrCodeStorageRead, "GetObject", o.key)
	}
	for k, v := range out.Metadata {
		o.meta[k] = v
	}
	o.data, o.loaded = data, true
	return nil
}

func (o *object) Read(p []byte, off int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.load(); err != nil {
		return 0, err
	}
	if off >= int64(len(o.data)) {
		return 0, nil
	}
	return copy(p, o.data[off:]), nil
}

func (o *object) Write(p []byte, off int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.load(); err != nil {
		return 0, err
	}
	if end := off + int64(len(p)); end > int64(len(o.data)) {
		o.data = append(o.data, make([]byte, end-int64(len(o.data)))...)
	}
	copy(o.data[off:], p)
	o.dirty = true
	delete(o.meta, metaMtime)
	return len(p), nil
}

func (o *object) Truncate(size int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.load(); err != nil {
		return err
	}
	if size <= int64(len(o.data)) {
		o.data = o.data[:size]
	} else {
		o.data = append(o.data, make([]byte, size-int64(len(o.data)))...)
	}
	o.dirty = true
	return nil
}

// flush uploads a dirty object. The caller holds o.mu.
func (o *object) flush(ctx context.Context) error {
	if !o.dirty {
		return nil
	}
	b := o.b
	if b.transporter != nil && int64(len(o.data)) >= b.cfg.CargoShipThreshold {
		result, err := b.transporter.Upload(ctx, cargoships3.Archive{
			Key:          o.key,
			Reader:       bytes.NewReader(o.data),
			Size:         int64(len(o.data)),
			StorageClass: cargoClass(b.cfg.StorageTier),
			Metadata:     o.meta,
		})
		if err == nil {
			b.logger.Debug("CargoShip upload completed", "key", o.key, "size", len(o.data),
				"throughput", result.Throughput, "duration", result.Duration)
			o.dirty = false
			return nil
		}
		b.logger.Warn("CargoShip upload failed, falling back to PutObject", "key", o.key, "error", err)
	}
	if err := b.put(ctx, o.key, o.data, o.meta); err != nil {
		return err
	}
	o.dirty = false
	return nil
}

func (o *object) Fsync(bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ctx, cancel := o.b.opContext()
	defer cancel()
	return o.flush(ctx)
}

func (o *object) Getattr() (protocol.Attr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.loaded {
		ctx, cancel := o.b.opContext()
		defer cancel()
		return o.b.stat(ctx, strings.TrimPrefix(o.key, o.b.prefix))
	}
	mtime := time.Unix(o.attr.Mtime, o.attr.MtimeNsec)
	if o.dirty {
		mtime = time.Now()
	}
	return o.b.attr(o.key, defaultFile, int64(len(o.data)), mtime, o.meta), nil
}

// setMeta changes metadata of the open object and writes it back.
func (o *object) setMeta(fn func(meta map[string]string)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.load(); err != nil {
		return err
	}
	fn(o.meta)
	o.dirty = true
	ctx, cancel := o.b.opContext()
	defer cancel()
	return o.flush(ctx)
}

func (o *object) Chmod(mode uint32) error {
	return o.setMeta(func(meta map[string]string) {
		meta[metaMode] = strconv.FormatUint(uint64(unix.S_IFREG|mode&0o7777), 8)
	})
}

func (o *object) Utimens(times protocol.Times) error {
	mtime, ok := mtimeOf(times)
	if !ok {
		return nil
	}
	return o.setMeta(func(meta map[string]string) {
		meta[metaMtime] = strconv.FormatInt(mtime.UnixNano(), 10)
	})
}

func (o *object) Close() error {
	return o.Fsync(false)
}
