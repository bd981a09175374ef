package worker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Constructor builds a worker from its configuration.
type Constructor func(cfg *Config) Worker

var (
	registryMu   sync.RWMutex
	constructors = make(map[string]Constructor)
)

// Register registers a worker constructor by kind.
func Register(kind string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	constructors[strings.ToLower(kind)] = ctor
}

// New creates a worker by kind.
func New(kind string, cfg *Config) (Worker, error) {
	registryMu.RLock()
	ctor, ok := constructors[strings.ToLower(kind)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown worker: %s (supported: %s)", kind, strings.Join(Available(), ", "))
	}
	return ctor(cfg), nil
}

// Available returns the sorted list of registered worker kinds.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Named wraps a worker so it reports a different name. Several configured
// workers may share one kind (e.g. two claude reviewers on different models).
func Named(name string, w Worker) Worker {
	return &namedWorker{name: name, Worker: w}
}

type namedWorker struct {
	name string
	Worker
}

func (n *namedWorker) Name() string { return n.name }
