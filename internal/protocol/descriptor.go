package protocol

// Environment variables a worker reads its resource limits from.
const (
	EnvCPUSeconds = "HOOKD_WORKER_CPU_SECONDS"
	EnvMemoryMB   = "HOOKD_WORKER_MEMORY_MB"
)

// CircularMarker replaces a value that refers back to one of its own ancestors.
const CircularMarker = "[Circular]"

// KindCallable is the only descriptor kind.
const KindCallable = "callable"

// RepositoryMethods is the fixed method surface every repository exposes.
var RepositoryMethods = []string{"find", "create", "update", "delete"}

// PathDescriptor stands in for a function value. Path is the dotted property
// path from the context root to the function on the host.
type PathDescriptor struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// Callable returns a descriptor for path.
func Callable(path string) PathDescriptor {
	return PathDescriptor{Kind: KindCallable, Path: path}
}

// Map is the decoded form a descriptor takes after a JSON round trip.
func (d PathDescriptor) Map() map[string]any {
	return map[string]any{"kind": d.Kind, "path": d.Path}
}

// AsPathDescriptor reports whether v is a decoded descriptor: a map with
// exactly the keys kind and path, where kind is "callable".
func AsPathDescriptor(v any) (PathDescriptor, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 2 {
		return PathDescriptor{}, false
	}
	kind, ok := m["kind"].(string)
	if !ok || kind != KindCallable {
		return PathDescriptor{}, false
	}
	path, ok := m["path"].(string)
	if !ok || path == "" {
		return PathDescriptor{}, false
	}
	return PathDescriptor{Kind: kind, Path: path}, true
}
