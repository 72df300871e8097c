// Package dockerapi is a minimal Docker Engine API client over the
// daemon unix socket. It implements only the endpoints the container
// gateway needs: list, inspect, one-shot stats, start/stop/restart,
// remove, and follow-mode log streaming with frame demultiplexing.
package dockerapi
