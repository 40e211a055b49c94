// Package pool implements a storage pool node: a fixed amount of space
// holding file replicas, served over HTTP and announced to the pool manager
// with periodic heartbeats.
//
// A pool picks a serial number when it starts and sends it with every
// heartbeat. The pool manager treats a new serial as a restart. The mode set
// through POST /mode is reported in the next heartbeat; disabling store or
// fetch also makes the pool refuse the matching requests itself.
//
// On shutdown the Heartbeater sends one last heartbeat with the dead mode so
// the pool manager marks the pool down at once.
package pool
