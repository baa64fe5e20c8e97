package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fulcrumlabs/stagegate/internal/domain"
)

// Processor is a registered transformation. Implementations receive the
// source artifact's content and return the derived payload. A processor
// must be safe for concurrent use: different pipeline runs dispatch in
// parallel.
type Processor struct {
	// Name is the transform identifier used in stage configuration.
	Name string

	// Description provides a human-readable summary.
	Description string

	// Run performs the transformation.
	Run func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

var (
	processorMu   sync.RWMutex
	processorMap  = make(map[string]Processor)
	processorList []Processor
)

// Register registers a processor by name. This should be called from
// init() or a builtins registration function. Panics on a duplicate or
// incomplete registration.
func Register(p Processor) {
	processorMu.Lock()
	defer processorMu.Unlock()

	if p.Name == "" {
		panic("processor name cannot be empty")
	}
	if p.Run == nil {
		panic(fmt.Sprintf("processor %q must have a Run function", p.Name))
	}
	if _, exists := processorMap[p.Name]; exists {
		panic(fmt.Sprintf("processor %q already registered", p.Name))
	}

	processorMap[p.Name] = p
	processorList = append(processorList, p)
}

// Lookup returns the processor registered under name, if any.
func Lookup(name string) (Processor, bool) {
	processorMu.RLock()
	defer processorMu.RUnlock()

	p, ok := processorMap[name]
	return p, ok
}

// List returns all registered processors sorted by name.
func List() []Processor {
	processorMu.RLock()
	defer processorMu.RUnlock()

	result := make([]Processor, len(processorList))
	copy(result, processorList)
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Clear removes all registered processors (for testing only).
func Clear() {
	processorMu.Lock()
	defer processorMu.Unlock()

	processorMap = make(map[string]Processor)
	processorList = nil
}

// Registry is a Dispatcher over the registered processors.
type Registry struct{}

var _ Dispatcher = Registry{}

// NewRegistry creates a dispatcher backed by the process-wide processor
// registrations.
func NewRegistry() Registry {
	return Registry{}
}

// Invoke runs the named processor. An unknown name is a configuration
// error, never retried.
func (Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	p, ok := Lookup(name)
	if !ok {
		return nil, domain.ErrProcessorNotFound(name)
	}
	return p.Run(ctx, input)
}
