/*
Package s3 exports an S3 bucket, or a key prefix inside one, as a projection
of the I/O node.

Objects map to regular files and "/"-terminated marker objects to
directories; a directory also exists implicitly while any key lives below it.
Permission bits, explicit modification times and symbolic link targets are
kept in object metadata:

	iof-mode     octal st_mode
	iof-mtime    modification time, Unix nanoseconds
	iof-symlink  link target; the object body is empty

An open file is staged in memory. Reads load the object once; writes stay
local until Fsync or Close uploads the whole object, through the CargoShip
transporter above the configured threshold and with PutObject otherwise.

Inode numbers are a hash of the key, so they are stable across restarts of the
I/O node but change on rename.
*/
package s3
