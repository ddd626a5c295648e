/*
Package adapter assembles a client node.

An Adapter owns the transport to the I/O nodes, the progress driver and the
request engine, and one client.Projection per projection the I/O node
offers. Each projection is served to the kernel through an internal/fuse
FileSystem mounted at MountPoint(prefix, name).

	┌─────────────────────────────────────────────┐
	│      Kernel VFS (one mount per projection)  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   fuse.FileSystem  →  client.Projection     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   ADAPTER: sign-on, health check, failover  │ ← This Package
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   request.Engine → transport.Client (gRPC)  │
	└─────────────────────────────────────────────┘

# Sign-on

Start queries the I/O node with psr_query, retrying with the configured
backoff up to Client.SignOnAttempts times. Projections whose mode the client
does not support are skipped; if none is left, Start fails.

# Failover

A health tracker checks the I/O node every Client.HealthInterval. When the
transport has moved to another endpoint on its own, the projections still
bound to the old one fail over on the next successful check. When the check
keeps failing and the node is declared unavailable, every projection fails
over; a projection with no endpoint left goes offline and answers EHOSTDOWN.

# Metrics

The engine, the transport call pool, and each projection and mount are
exported as Prometheus sources on the metrics collector.
*/
package adapter
