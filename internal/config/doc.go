/*
Package config loads the settings of a client node (iof) or an I/O node (iofd).

Sources are applied in order of increasing precedence:

	compiled-in defaults  (NewDefault)
	YAML file             (LoadFromFile)
	IOF_* environment     (LoadFromEnv)
	command-line flags    (applied by the binaries)

# Sections

	global     log level, file and format; the rank minted into capabilities
	transport  listen address, I/O node endpoints in failover order, RPC timeout
	progress   completion driver mode (thread or inline) and its budgets
	pools      growth batch of the request pools
	gah        capability store capacity and growth
	retry      resend backoff after an evicted call
	circuit    per-endpoint breaker
	metrics    Prometheus listener
	client     mount prefix and FUSE options
	server     exported projections and shared S3 settings

# Example

	global:
	  log_level: INFO
	  rank: 0
	transport:
	  listen: ":7070"
	server:
	  projections:
	    - name: /scratch
	      path: /srv/scratch
	      writeable: true
	    - name: /archive
	      backend: s3
	      bucket: site-archive
	      failover: true
	  s3:
	    region: us-west-2

Validate covers the shared settings; ValidateClient and ValidateServer add the
checks specific to each binary.

# Environment

	IOF_LOG_LEVEL, IOF_LOG_FILE, IOF_LOG_FORMAT, IOF_RANK
	IOF_LISTEN, IOF_ENDPOINTS (comma separated), IOF_RPC_TIMEOUT
	IOF_PROGRESS_MODE, IOF_POOL_DELTA
	IOF_METRICS_ENABLED, IOF_METRICS_ADDRESS
	IOF_MOUNT_PREFIX
	IOF_S3_REGION, IOF_S3_ENDPOINT
*/
package config
