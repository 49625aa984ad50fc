// Package process provides a runtime that executes job commands as local
// processes through /bin/sh -c.
//
// Every process is placed in its own process group so signals reach the
// shell and any children it forks. A command that backgrounds work and
// detaches into a new session escapes group signalling and must be cleaned
// up by the command itself.
package process
