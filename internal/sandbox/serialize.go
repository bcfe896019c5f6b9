package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/hookd/internal/protocol"
)

// DefaultAllowedHeaders are the request headers the code may see.
// Cookies and proxy credentials never cross the process boundary.
var DefaultAllowedHeaders = []string{
	"accept",
	"accept-language",
	"authorization",
	"content-type",
	"origin",
	"referer",
	"user-agent",
	"x-forwarded-for",
	"x-request-id",
}

// Serializer turns a live ExecutionContext into a transfer-safe tree.
type Serializer struct {
	allowedHeaders map[string]struct{}
	proxies        ProxyTrust
}

// NewSerializer returns a Serializer exposing only the given headers.
// A nil list selects DefaultAllowedHeaders.
func NewSerializer(allowedHeaders []string) *Serializer {
	if allowedHeaders == nil {
		allowedHeaders = DefaultAllowedHeaders
	}
	allowed := make(map[string]struct{}, len(allowedHeaders))
	for _, h := range allowedHeaders {
		allowed[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	return &Serializer{allowedHeaders: allowed}
}

// TrustProxies makes req.ip honor forwarding headers set by the given proxies.
func (s *Serializer) TrustProxies(proxies ProxyTrust) *Serializer {
	s.proxies = proxies
	return s
}

// Serialize projects live into the form sent with an execute message.
// repos, req and headers get reduced projections; every function becomes
// a PathDescriptor; cycles become protocol.CircularMarker.
func (s *Serializer) Serialize(live *ExecutionContext) map[string]any {
	if live == nil {
		live = &ExecutionContext{}
	}
	w := newWalker()
	out := make(map[string]any, 12+len(live.Data))

	for k, v := range live.Data {
		if reservedKey(k) {
			continue
		}
		out[k] = w.value(v, k)
	}

	out[KeyBody] = w.value(live.Body, KeyBody)
	out[KeyQuery] = w.objectOrEmpty(live.Query, KeyQuery)
	out[KeyParams] = w.objectOrEmpty(live.Params, KeyParams)
	out[KeyUser] = w.value(live.User, KeyUser)
	out[KeyShare] = w.objectOrEmpty(live.Share, KeyShare)

	repos := make(map[string]any, len(live.Repos))
	for name := range live.Repos {
		repos[name] = map[string]any{}
	}
	out[KeyRepos] = repos

	helpers := make(map[string]any, len(live.Helpers))
	for name, fn := range live.Helpers {
		if fn != nil {
			helpers[name] = protocol.Callable(KeyHelpers + "." + name).Map()
		}
	}
	out[KeyHelpers] = helpers

	errs := make(map[string]any, len(live.Errors))
	for name, fn := range live.Errors {
		if fn != nil {
			errs[name] = protocol.Callable(KeyErrors + "." + name).Map()
		}
	}
	out[KeyErrors] = errs

	if live.Logs != nil {
		out[KeyLogs] = protocol.Callable(KeyLogs).Map()
	}
	if live.UploadedFile != nil {
		out[KeyUploadedFile] = w.value(live.UploadedFile, KeyUploadedFile)
	}
	if live.Request != nil {
		out[KeyRequest] = s.request(live.Request)
	}
	headers := live.Headers
	if headers == nil && live.Request != nil {
		headers = live.Request.Header
	}
	out[KeyHeaders] = s.headers(headers)
	return out
}

// SerializeValue serializes an arbitrary value rooted at path.
func SerializeValue(v any, path string) any {
	return newWalker().value(v, path)
}

func (s *Serializer) request(r *http.Request) map[string]any {
	out := map[string]any{
		"method":  r.Method,
		"url":     "",
		"path":    "",
		"ip":      s.proxies.ClientIP(r),
		"headers": s.headers(r.Header),
	}
	if r.URL != nil {
		out["url"] = r.URL.String()
		out["path"] = r.URL.Path
	}
	return out
}

func (s *Serializer) headers(h http.Header) map[string]any {
	out := make(map[string]any)
	for name, values := range h {
		key := strings.ToLower(name)
		if _, ok := s.allowedHeaders[key]; !ok || len(values) == 0 {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// ProxyTrust lists the networks whose forwarding headers are believed.
type ProxyTrust []netip.Prefix

func (t ProxyTrust) trusts(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range t {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the client address of r. X-Forwarded-For and X-Real-IP
// count only when the peer is a trusted proxy. X-Forwarded-For is read from
// the right, and the first hop that is not itself trusted wins.
func (t ProxyTrust) ClientIP(r *http.Request) string {
	peer := peerHost(r.RemoteAddr)
	if !t.trusts(peer) {
		return peer
	}

	if values := r.Header.Values("X-Forwarded-For"); len(values) > 0 {
		hops := strings.Split(strings.Join(values, ","), ",")
		client := ""
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			client = hop
			if !t.trusts(hop) {
				return hop
			}
		}
		if client != "" {
			return client
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}

// ClientIP returns the peer address of r, ignoring forwarding headers.
func ClientIP(r *http.Request) string {
	return ProxyTrust(nil).ClientIP(r)
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func reservedKey(k string) bool {
	switch k {
	case KeyBody, KeyQuery, KeyParams, KeyUser, KeyRepos, KeyHelpers, KeyErrors,
		KeyLogs, KeyShare, KeyUploadedFile, KeyRequest, KeyHeaders:
		return true
	}
	return false
}

func joinPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}

// identity is the address of a reference value plus its kind, so that a
// slice and its first element's pointer are not confused.
type identity struct {
	ptr  uintptr
	kind reflect.Kind
}

// walker tracks the reference values on the current path from the root.
// A value seen again while still being walked is a cycle.
type walker struct {
	active map[identity]struct{}
}

func newWalker() *walker {
	return &walker{active: make(map[identity]struct{})}
}

func (w *walker) enter(rv reflect.Value) (identity, bool) {
	id := identity{ptr: rv.Pointer(), kind: rv.Kind()}
	if _, ok := w.active[id]; ok {
		return id, false
	}
	w.active[id] = struct{}{}
	return id, true
}

func (w *walker) leave(id identity) { delete(w.active, id) }

func (w *walker) objectOrEmpty(m map[string]any, path string) any {
	if m == nil {
		return map[string]any{}
	}
	return w.value(m, path)
}

func (w *walker) value(v any, path string) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return x
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(x, &decoded); err != nil {
			return nil
		}
		return w.value(decoded, path)
	case protocol.PathDescriptor:
		return x.Map()
	case Func, ErrorFactory, func(context.Context, []any) (any, error):
		if reflect.ValueOf(x).IsNil() {
			return nil
		}
		return protocol.Callable(path).Map()
	case Repository:
		methods := make(map[string]any, len(protocol.RepositoryMethods))
		for _, m := range protocol.RepositoryMethods {
			methods[m] = protocol.Callable(joinPath(path, m)).Map()
		}
		return methods
	case Callable:
		return protocol.Callable(path).Map()
	}
	return w.reflectValue(reflect.ValueOf(v), path)
}

func (w *walker) reflectValue(rv reflect.Value, path string) any {
	switch rv.Kind() {
	case reflect.Func:
		if rv.IsNil() {
			return nil
		}
		return protocol.Callable(path).Map()

	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		id, ok := w.enter(rv)
		if !ok {
			return protocol.CircularMarker
		}
		defer w.leave(id)
		return w.value(rv.Elem().Interface(), path)

	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return w.value(rv.Elem().Interface(), path)

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		id, ok := w.enter(rv)
		if !ok {
			return protocol.CircularMarker
		}
		defer w.leave(id)
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := mapKey(iter.Key())
			out[key] = w.value(iter.Value().Interface(), joinPath(path, key))
		}
		return out

	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Len() > 0 {
			id, ok := w.enter(rv)
			if !ok {
				return protocol.CircularMarker
			}
			defer w.leave(id)
		}
		return w.elements(rv, path)

	case reflect.Array:
		return w.elements(rv, path)

	case reflect.Struct:
		out := make(map[string]any)
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name, ok := fieldName(f)
			if !ok {
				continue
			}
			out[name] = w.value(rv.Field(i).Interface(), joinPath(path, name))
		}
		return out

	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	default:
		// Channels, complex numbers and unsafe pointers have no data form.
		return nil
	}
}

func (w *walker) elements(rv reflect.Value, path string) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = w.value(rv.Index(i).Interface(), joinPath(path, strconv.Itoa(i)))
	}
	return out
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	b, err := json.Marshal(k.Interface())
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}

// fieldName returns the JSON name of an exported struct field.
func fieldName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, true
}
