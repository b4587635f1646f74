package sweeper

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/topic"
)

// Registry records the concrete topics a run has touched so they can be
// swept afterwards. It is safe for concurrent use.
type Registry struct {
	topics *topic.Builder

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewRegistry returns a registry whose generated topics live under base.
func NewRegistry(base string) *Registry {
	return &Registry{topics: topic.NewBuilder(base), seen: make(map[string]struct{})}
}

func (r *Registry) Base() string { return r.topics.Root() }

// Add records name.
func (r *Registry) Add(name string) {
	r.mu.Lock()
	r.seen[name] = struct{}{}
	r.mu.Unlock()
}

// Unique returns and records base[/suffix]/<8 hex chars>.
func (r *Registry) Unique(suffix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := r.topics.Build(suffix, id)
	r.Add(name)
	return name
}

// Snapshot returns the recorded topics plus the base itself, sorted.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.seen)+1)
	if base := r.topics.Root(); base != "" {
		if _, ok := r.seen[base]; !ok {
			out = append(out, base)
		}
	}
	for t := range r.seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
