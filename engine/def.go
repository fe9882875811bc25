package engine

import (
	iface "TableDetServer/interface"
	"fmt"
	"sort"
	"sync"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004
const ERROR = 0x0005

// StateName renders a detector state for status endpoints.
func StateName(state int) string {
	switch state {
	case UNREGISTERED:
		return "UNREGISTERED"
	case REGISTERED:
		return "REGISTERED"
	case IDLE:
		return "IDLE"
	case BUSY:
		return "BUSY"
	case ERROR:
		return "ERROR"
	}
	return fmt.Sprintf("UNKNOWN(%d)", state)
}

// BackendFactory loads a model and returns a runnable backend.
type BackendFactory func(cfg iface.EngineConfig) (iface.Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes an inference backend selectable by InferenceBackend in config.
func RegisterBackend(name string, f BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("engine: backend registered twice: " + name)
	}
	backends[name] = f
}

// Backends lists registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookupBackend(name string) (BackendFactory, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	f, ok := backends[name]
	return f, ok
}
