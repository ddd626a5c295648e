/*
Package metrics exports forwarding metrics in the Prometheus text format.

The Collector plays two roles. As a transport observer it counts and times
every forwarded call:

	iof_rpc_total{side, operation, status}
	iof_rpc_duration_seconds{side, operation}
	iof_rpc_errors_total{side, operation}

side is "client" for calls sent by a client node and "server" for calls
served by an I/O node. As a registry of counter sources it samples snapshots
on every scrape, for example the per-operation counters of a projection:

	c.RegisterSource("projection", p.Info().Name, p.Stats().Snapshot)

which appear as iof_projection_lookup{name="/scratch"} and so on.

Start serves /metrics on the configured address; Stop shuts the listener down.
*/
package metrics
