package process

import "os"

// SignalPID delivers sig to the process group led by pid. Used when the
// target is known only by pid (a detached daemon found via its pidfile)
// rather than through a live Handle.
func SignalPID(pid int, sig os.Signal) error { return signalGroup(pid, sig) }

// PIDExists reports whether pid refers to a live process.
func PIDExists(pid int) bool { return processExists(pid) }
