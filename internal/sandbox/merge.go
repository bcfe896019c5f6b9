package sandbox

import (
	"reflect"

	"github.com/jkaninda/hookd/internal/protocol"
)

// MergePolicy declares what Merge does with one top-level context field.
type MergePolicy int

const (
	// MergePlain folds the worker's value into the live one.
	MergePlain MergePolicy = iota
	// MergeReadOnly keeps the live value; the worker's copy is discarded.
	MergeReadOnly
	// MergeNever marks a capability; the worker only ever saw a projection of it.
	MergeNever
)

// FieldPolicies is the declared merge policy for every built-in field.
// Keys in ExecutionContext.Data follow MergePlain unless the live value is a capability.
var FieldPolicies = map[string]MergePolicy{
	KeyBody:         MergePlain,
	KeyQuery:        MergePlain,
	KeyParams:       MergePlain,
	KeyUser:         MergePlain,
	KeyShare:        MergePlain,
	KeyUploadedFile: MergeReadOnly,
	KeyRepos:        MergeNever,
	KeyHelpers:      MergeNever,
	KeyErrors:       MergeNever,
	KeyLogs:         MergeNever,
	KeyRequest:      MergeNever,
	KeyHeaders:      MergeNever,
}

// Merge folds the worker's final context back into live. Only plain data
// moves; capabilities, descriptors and circular markers are skipped, and
// no key is ever deleted from the live side.
func Merge(live *ExecutionContext, final map[string]any) {
	if live == nil || final == nil {
		return
	}
	for key, val := range final {
		policy, builtin := FieldPolicies[key]
		if !builtin {
			policy = MergePlain
		}
		if policy != MergePlain {
			continue
		}
		switch key {
		case KeyBody:
			live.Body = mergeValue(live.Body, val)
		case KeyUser:
			live.User = mergeValue(live.User, val)
		case KeyQuery:
			live.Query = mergeObject(live.Query, val)
		case KeyParams:
			live.Params = mergeObject(live.Params, val)
		case KeyShare:
			live.Share = mergeObject(live.Share, val)
		default:
			if live.Data == nil {
				live.Data = make(map[string]any)
			}
			if cur, ok := live.Data[key]; ok {
				if isCapability(cur) {
					continue
				}
				live.Data[key] = mergeValue(cur, val)
			} else if v, ok := clean(val); ok {
				live.Data[key] = v
			}
		}
	}
}

func mergeObject(dst map[string]any, src any) map[string]any {
	m, ok := src.(map[string]any)
	if !ok {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(m))
	}
	mergeInto(dst, m)
	return dst
}

// mergeInto copies src keys into dst, recursing where both sides are objects.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		cur, exists := dst[k]
		if exists && isCapability(cur) {
			continue
		}
		if !exists {
			if c, ok := clean(v); ok {
				dst[k] = c
			}
			continue
		}
		dst[k] = mergeValue(cur, v)
	}
}

func mergeValue(dst, src any) any {
	if isCapability(dst) {
		return dst
	}
	if d, ok := dst.(map[string]any); ok {
		if s, ok := src.(map[string]any); ok {
			if _, desc := protocol.AsPathDescriptor(s); desc {
				return dst
			}
			mergeInto(d, s)
			return d
		}
	}
	c, ok := clean(src)
	if !ok {
		return dst
	}
	return c
}

// clean drops descriptors and circular markers from a worker value.
// It reports false when v itself must not be written.
func clean(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return x, x != protocol.CircularMarker
	case map[string]any:
		if _, ok := protocol.AsPathDescriptor(x); ok {
			return nil, false
		}
		out := make(map[string]any, len(x))
		for k, child := range x {
			if c, ok := clean(child); ok {
				out[k] = c
			}
		}
		return out, true
	case []any:
		out := make([]any, 0, len(x))
		for _, child := range x {
			if c, ok := clean(child); ok {
				out = append(out, c)
			} else {
				out = append(out, nil)
			}
		}
		return out, true
	}
	return v, true
}

// isCapability reports whether v is a host-only value that must survive merge:
// a capability, or any live reference such as a pointer, func or channel.
func isCapability(v any) bool {
	switch v.(type) {
	case nil:
		return false
	case Repository, Callable, map[string]Repository, map[string]Func, map[string]ErrorFactory:
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return true
	}
	return false
}
