package worker

import (
	"sort"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/jkaninda/hookd/internal/protocol"
)

// buildContext rebuilds the serialized context as native JS objects,
// replacing every descriptor with a call proxy. Repository names become
// objects with one proxy per repository method.
func (x *execution) buildContext(serialized map[string]any) *goja.Object {
	obj := x.vm.NewObject()
	for key, val := range serialized {
		if key == "repos" {
			_ = obj.Set(key, x.repos(val))
			continue
		}
		_ = obj.Set(key, x.toValue(val))
	}
	for _, key := range []string{"body", "query", "params", "user", "repos", "helpers", "errors", "share"} {
		if _, ok := serialized[key]; !ok {
			_ = obj.Set(key, x.vm.NewObject())
		}
	}
	return obj
}

func (x *execution) repos(v any) *goja.Object {
	obj := x.vm.NewObject()
	names, _ := v.(map[string]any)
	for name := range names {
		repo := x.vm.NewObject()
		for _, method := range protocol.RepositoryMethods {
			_ = repo.Set(method, x.proxy("repos."+name+"."+method))
		}
		_ = obj.Set(name, repo)
	}
	return obj
}

// toValue converts decoded JSON into a JS value.
func (x *execution) toValue(v any) goja.Value {
	switch t := v.(type) {
	case nil:
		return goja.Null()
	case map[string]any:
		if d, ok := protocol.AsPathDescriptor(t); ok {
			return x.proxy(d.Path)
		}
		obj := x.vm.NewObject()
		for k, child := range t {
			_ = obj.Set(k, x.toValue(child))
		}
		return obj
	case []any:
		items := make([]any, len(t))
		for i, child := range t {
			items[i] = x.toValue(child)
		}
		return x.vm.NewArray(items...)
	default:
		return x.vm.ToValue(t)
	}
}

// skipped marks a value that has no data form, such as a function.
type skipped struct{}

var skip = &skipped{}

// export converts a JS value into plain data. Functions are dropped and a
// value reached again through its own descendants becomes protocol.CircularMarker.
func export(v goja.Value) any {
	out := exportValue(v, make(map[*goja.Object]struct{}))
	if out == skip {
		return nil
	}
	return out
}

func exportValue(v goja.Value, active map[*goja.Object]struct{}) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export()
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return skip
	}
	if _, seen := active[obj]; seen {
		return protocol.CircularMarker
	}
	active[obj] = struct{}{}
	defer delete(active, obj)

	switch obj.ClassName() {
	case "Array":
		n := int(obj.Get("length").ToInteger())
		out := make([]any, n)
		for i := range n {
			val := exportValue(obj.Get(strconv.Itoa(i)), active)
			if val != skip {
				out[i] = val
			}
		}
		return out
	case "Date":
		if t, ok := obj.Export().(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
	case "Promise":
		return map[string]any{}
	case "Error":
		out := map[string]any{
			"name":    stringProp(obj, "name"),
			"message": stringProp(obj, "message"),
		}
		exportKeys(obj, out, active)
		return out
	}

	out := make(map[string]any)
	exportKeys(obj, out, active)
	return out
}

func exportKeys(obj *goja.Object, out map[string]any, active map[*goja.Object]struct{}) {
	keys := obj.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		val := exportValue(obj.Get(k), active)
		if val == skip {
			continue
		}
		out[k] = val
	}
}
