/*
Package fuse mounts a client projection through the kernel FUSE interface.

FileSystem implements the low-level go-fuse RawFileSystem on top of a
client.Projection. Kernel node ids are the projection's inode numbers: the
root is node 1, and every other node id is the inode number returned by the
I/O node. Lookup counts held by the kernel are the projection's inode
references, so a kernel FORGET drops the remote capability once the count
reaches zero.

	┌─────────────────────────────────────────────┐
	│           Kernel VFS / FUSE driver          │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│      FileSystem (go-fuse RawFileSystem)     │  ← This Package
	│   node id → inode, fh → file/dir handle     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   client.Projection (RPCs to the I/O node)  │
	└─────────────────────────────────────────────┘

# Handles

Open and OpenDir register the projection's handle under a kernel file handle
number. Release and ReleaseDir close it on the I/O node. Handles still open
when the mount goes away are released by MountManager.Unmount.

# Directories

ReadDir pages through the projection's directory cursor. The offset of each
entry is the resume offset issued by the I/O node, so a kernel seek becomes a
Seekdir on the cursor. An entry that does not fit the kernel buffer is kept
for the next call.

# Errors

Every failure is reported to the kernel as the errno carried by the error
chain (pkg/errors.Errno); errors without one become EIO. An offline
projection reports its offline reason, typically EHOSTDOWN.

# Ioctl

Only the GAH query ioctl (client.IoctlGAH) is served. Its reply lets an
interception library address the I/O node directly.

# Usage

	fsys := fuse.NewFileSystem(projection, fuse.Config{AttrTimeout: time.Second}, logger)
	mm := fuse.NewMountManager(fsys, fuse.MountConfig{MountPoint: "/mnt/iof/scratch"}, logger)
	if err := mm.Mount(ctx); err != nil {
		return err
	}
	defer mm.Unmount(context.Background())
*/
package fuse
