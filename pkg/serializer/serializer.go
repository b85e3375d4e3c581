// Package serializer provides deep, round-trippable encoding of sandbox
// runtime values, including closures, with cycle detection. Serialization
// never fails: values that cannot be encoded degrade to the nonserializable
// tag and round-trip to undefined.
package serializer

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// backrefProp is the non-enumerable property carrying a provenance metadata
// reference on tagged objects. It is stripped from every serialized form.
const backrefProp = "__atp_prov"

// Serializer encodes values of a single runtime. It is not safe for
// concurrent use; executions are single-threaded so this never matters.
type Serializer struct {
	rt      *goja.Runtime
	helpers helperSet
	globals map[string]bool
}

// RefTable is the caller-held side table mapping circular reference IDs to
// their serialized forms.
type RefTable struct {
	nextID int
	byObj  map[*goja.Object]string
}

// NewRefTable creates an empty ref table for one serialization pass.
func NewRefTable() *RefTable {
	return &RefTable{byObj: map[*goja.Object]string{}}
}

func (t *RefTable) lookup(obj *goja.Object) (string, bool) {
	id, ok := t.byObj[obj]
	return id, ok
}

func (t *RefTable) register(obj *goja.Object) string {
	t.nextID++
	id := "ref_" + strconv.Itoa(t.nextID)
	t.byObj[obj] = id
	return id
}

// New creates a serializer bound to the given runtime.
func New(rt *goja.Runtime) *Serializer {
	return &Serializer{rt: rt}
}

// Serialize encodes v. Scope, when non-nil, provides the variable environment
// used for closure capture of serialized functions. Any internal failure
// degrades the offending subtree to nonserializable.
func (s *Serializer) Serialize(v goja.Value, scope map[string]goja.Value) *models.SerializedValue {
	refs := NewRefTable()
	return s.serialize(v, scope, refs)
}

func (s *Serializer) serialize(v goja.Value, scope map[string]goja.Value, refs *RefTable) (out *models.SerializedValue) {
	defer func() {
		if r := recover(); r != nil {
			out = models.NonSerializable()
		}
	}()

	if v == nil || goja.IsUndefined(v) {
		return models.Undefined()
	}
	if goja.IsNull(v) {
		return &models.SerializedValue{Kind: models.KindNull}
	}

	if sym, ok := v.(*goja.Symbol); ok {
		return &models.SerializedValue{Kind: models.KindSymbol, String: sym.String()}
	}

	switch exported := v.Export().(type) {
	case bool:
		return &models.SerializedValue{Kind: models.KindBool, Bool: exported}
	case int64:
		return &models.SerializedValue{Kind: models.KindNumber, Number: float64(exported)}
	case float64:
		return &models.SerializedValue{Kind: models.KindNumber, Number: exported}
	case string:
		// A primitive string exports as string; String objects fall through
		// to the object path below via ClassName.
		if _, isObj := v.(*goja.Object); !isObj {
			return &models.SerializedValue{Kind: models.KindString, String: exported}
		}
	case *big.Int:
		return &models.SerializedValue{Kind: models.KindBigInt, String: exported.String()}
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return models.NonSerializable()
	}

	if id, seen := refs.lookup(obj); seen {
		return &models.SerializedValue{Kind: models.KindCircular, RefID: id}
	}

	switch obj.ClassName() {
	case "Array":
		refs.register(obj)
		return s.serializeArray(obj, scope, refs)
	case "Date":
		if t, ok := obj.Export().(time.Time); ok {
			return &models.SerializedValue{Kind: models.KindDate, TimeMS: t.UnixMilli()}
		}
		return models.NonSerializable()
	case "RegExp":
		return &models.SerializedValue{
			Kind:    models.KindRegexp,
			Pattern: obj.Get("source").String(),
			Flags:   obj.Get("flags").String(),
		}
	case "Map":
		refs.register(obj)
		return s.serializeMap(obj, scope, refs)
	case "Set":
		refs.register(obj)
		return s.serializeSet(obj, scope, refs)
	case "Function", "AsyncFunction", "GeneratorFunction":
		return s.serializeFunction(obj, scope)
	case "String":
		return &models.SerializedValue{Kind: models.KindString, String: obj.String()}
	default:
		refs.register(obj)
		return s.serializeObject(obj, scope, refs)
	}
}

func (s *Serializer) serializeArray(obj *goja.Object, scope map[string]goja.Value, refs *RefTable) *models.SerializedValue {
	length := int(obj.Get("length").ToInteger())
	items := make([]*models.SerializedValue, 0, length)
	for i := 0; i < length; i++ {
		items = append(items, s.serialize(obj.Get(strconv.Itoa(i)), scope, refs))
	}
	return &models.SerializedValue{Kind: models.KindArray, Items: items}
}

func (s *Serializer) serializeObject(obj *goja.Object, scope map[string]goja.Value, refs *RefTable) *models.SerializedValue {
	sv := &models.SerializedValue{Kind: models.KindObject, ClassName: obj.ClassName()}
	for _, key := range obj.Keys() {
		if key == backrefProp {
			continue
		}
		sv.Props = append(sv.Props, models.Prop{Name: key, Value: s.serialize(obj.Get(key), scope, refs)})
	}
	return sv
}

func (s *Serializer) serializeMap(obj *goja.Object, scope map[string]goja.Value, refs *RefTable) *models.SerializedValue {
	entries := s.helpers.mapEntries(s.rt, obj)
	sv := &models.SerializedValue{Kind: models.KindMap, ClassName: "Map"}
	length := int(entries.Get("length").ToInteger())
	for i := 0; i < length; i++ {
		pair := entries.Get(strconv.Itoa(i)).ToObject(s.rt)
		sv.Entries = append(sv.Entries, models.MapEntry{
			Key:   s.serialize(pair.Get("0"), scope, refs),
			Value: s.serialize(pair.Get("1"), scope, refs),
		})
	}
	return sv
}

func (s *Serializer) serializeSet(obj *goja.Object, scope map[string]goja.Value, refs *RefTable) *models.SerializedValue {
	values := s.helpers.setValues(s.rt, obj)
	sv := &models.SerializedValue{Kind: models.KindSet}
	length := int(values.Get("length").ToInteger())
	for i := 0; i < length; i++ {
		sv.Items = append(sv.Items, s.serialize(values.Get(strconv.Itoa(i)), scope, refs))
	}
	return sv
}

// Deserialize is the left inverse of Serialize: deserialize(serialize(v)) is
// observably v for every value except nonserializable, which becomes
// undefined.
func (s *Serializer) Deserialize(sv *models.SerializedValue) goja.Value {
	return s.deserialize(sv, map[string]*goja.Object{})
}

func (s *Serializer) deserialize(sv *models.SerializedValue, refs map[string]*goja.Object) goja.Value {
	if sv == nil {
		return goja.Undefined()
	}
	switch sv.Kind {
	case models.KindUndefined, models.KindNonSerializable:
		return goja.Undefined()
	case models.KindNull:
		return goja.Null()
	case models.KindBool:
		return s.rt.ToValue(sv.Bool)
	case models.KindNumber:
		return s.rt.ToValue(sv.Number)
	case models.KindString:
		return s.rt.ToValue(sv.String)
	case models.KindBigInt:
		n, ok := new(big.Int).SetString(sv.String, 10)
		if !ok {
			return goja.Undefined()
		}
		return s.rt.ToValue(n)
	case models.KindSymbol:
		return s.rt.ToValue(sv.String)
	case models.KindDate:
		return s.helpers.newDate(s.rt, sv.TimeMS)
	case models.KindRegexp:
		return s.helpers.newRegexp(s.rt, sv.Pattern, sv.Flags)
	case models.KindArray:
		arr := s.rt.NewArray()
		// Register before filling so circular children resolve.
		s.registerRef(sv, arr, refs)
		for i, item := range sv.Items {
			_ = arr.Set(strconv.Itoa(i), s.deserialize(item, refs))
		}
		return arr
	case models.KindObject:
		obj := s.rt.NewObject()
		s.registerRef(sv, obj, refs)
		for _, p := range sv.Props {
			_ = obj.Set(p.Name, s.deserialize(p.Value, refs))
		}
		return obj
	case models.KindMap:
		// Reserve the ref slot before children so ref numbering mirrors
		// serialization order; a cycle through the map itself degrades to
		// undefined because the container exists only after its entries.
		refID := s.reserveRef(refs)
		entries := make([][2]goja.Value, 0, len(sv.Entries))
		for _, e := range sv.Entries {
			entries = append(entries, [2]goja.Value{s.deserialize(e.Key, refs), s.deserialize(e.Value, refs)})
		}
		m := s.helpers.newMap(s.rt, entries)
		if obj, ok := m.(*goja.Object); ok {
			refs[refID] = obj
		}
		return m
	case models.KindSet:
		refID := s.reserveRef(refs)
		items := make([]goja.Value, 0, len(sv.Items))
		for _, item := range sv.Items {
			items = append(items, s.deserialize(item, refs))
		}
		set := s.helpers.newSet(s.rt, items)
		if obj, ok := set.(*goja.Object); ok {
			refs[refID] = obj
		}
		return set
	case models.KindFunction:
		return s.deserializeFunction(sv, refs)
	case models.KindCircular:
		if obj, ok := refs[sv.RefID]; ok && obj != nil {
			return obj
		}
		return goja.Undefined()
	default:
		return goja.Undefined()
	}
}

// registerRef assigns the next ref id to a freshly created container. Ref IDs
// are allocated in serialization order, which deserialization mirrors because
// both walk the value tree depth-first.
func (s *Serializer) registerRef(_ *models.SerializedValue, obj *goja.Object, refs map[string]*goja.Object) {
	refs[s.reserveRef(refs)] = obj
}

func (s *Serializer) reserveRef(refs map[string]*goja.Object) string {
	id := "ref_" + strconv.Itoa(len(refs)+1)
	refs[id] = nil
	return id
}

// ToNative converts a serialized value into plain Go data suitable for JSON
// encoding in API responses.
func ToNative(sv *models.SerializedValue) any {
	if sv == nil {
		return nil
	}
	switch sv.Kind {
	case models.KindUndefined, models.KindNull, models.KindNonSerializable:
		return nil
	case models.KindBool:
		return sv.Bool
	case models.KindNumber:
		return sv.Number
	case models.KindString, models.KindBigInt, models.KindSymbol:
		return sv.String
	case models.KindDate:
		return time.UnixMilli(sv.TimeMS).UTC().Format(time.RFC3339Nano)
	case models.KindRegexp:
		return fmt.Sprintf("/%s/%s", sv.Pattern, sv.Flags)
	case models.KindArray, models.KindSet:
		out := make([]any, 0, len(sv.Items))
		for _, item := range sv.Items {
			out = append(out, ToNative(item))
		}
		return out
	case models.KindObject:
		out := make(map[string]any, len(sv.Props))
		for _, p := range sv.Props {
			out[p.Name] = ToNative(p.Value)
		}
		return out
	case models.KindMap:
		out := make(map[string]any, len(sv.Entries))
		for _, e := range sv.Entries {
			key, _ := ToNative(e.Key).(string)
			if key == "" {
				key = fmt.Sprint(ToNative(e.Key))
			}
			out[key] = ToNative(e.Value)
		}
		return out
	case models.KindFunction:
		return sv.Function.Source
	case models.KindCircular:
		return nil
	default:
		return nil
	}
}

// helperSet lazily compiles small JS helpers the serializer needs for types
// goja does not expose directly.
type helperSet struct {
	mapEntriesFn goja.Callable
	setValuesFn  goja.Callable
	newDateFn    goja.Callable
	newRegexpFn  goja.Callable
	newMapFn     goja.Callable
	newSetFn     goja.Callable
	fnSourceFn   goja.Callable
}

func (h *helperSet) callable(rt *goja.Runtime, cached *goja.Callable, src string) goja.Callable {
	if *cached == nil {
		v, err := rt.RunString(src)
		if err != nil {
			panic(err)
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			panic(fmt.Errorf("helper %q did not evaluate to a function", src))
		}
		*cached = fn
	}
	return *cached
}

func (h *helperSet) mapEntries(rt *goja.Runtime, m *goja.Object) *goja.Object {
	fn := h.callable(rt, &h.mapEntriesFn, `(m) => Array.from(m.entries())`)
	v, err := fn(goja.Undefined(), m)
	if err != nil {
		panic(err)
	}
	return v.ToObject(rt)
}

func (h *helperSet) setValues(rt *goja.Runtime, set *goja.Object) *goja.Object {
	fn := h.callable(rt, &h.setValuesFn, `(s) => Array.from(s.values())`)
	v, err := fn(goja.Undefined(), set)
	if err != nil {
		panic(err)
	}
	return v.ToObject(rt)
}

func (h *helperSet) newDate(rt *goja.Runtime, ms int64) goja.Value {
	fn := h.callable(rt, &h.newDateFn, `(ms) => new Date(ms)`)
	v, err := fn(goja.Undefined(), rt.ToValue(ms))
	if err != nil {
		return goja.Undefined()
	}
	return v
}

func (h *helperSet) newRegexp(rt *goja.Runtime, pattern, flags string) goja.Value {
	fn := h.callable(rt, &h.newRegexpFn, `(p, f) => new RegExp(p, f)`)
	v, err := fn(goja.Undefined(), rt.ToValue(pattern), rt.ToValue(flags))
	if err != nil {
		return goja.Undefined()
	}
	return v
}

func (h *helperSet) newMap(rt *goja.Runtime, entries [][2]goja.Value) goja.Value {
	fn := h.callable(rt, &h.newMapFn, `(pairs) => new Map(pairs)`)
	pairs := rt.NewArray()
	for i, e := range entries {
		pair := rt.NewArray()
		_ = pair.Set("0", e[0])
		_ = pair.Set("1", e[1])
		_ = pairs.Set(strconv.Itoa(i), pair)
	}
	v, err := fn(goja.Undefined(), pairs)
	if err != nil {
		return goja.Undefined()
	}
	return v
}

func (h *helperSet) newSet(rt *goja.Runtime, items []goja.Value) goja.Value {
	fn := h.callable(rt, &h.newSetFn, `(items) => new Set(items)`)
	arr := rt.NewArray()
	for i, item := range items {
		_ = arr.Set(strconv.Itoa(i), item)
	}
	v, err := fn(goja.Undefined(), arr)
	if err != nil {
		return goja.Undefined()
	}
	return v
}

func (h *helperSet) functionSource(rt *goja.Runtime, fn *goja.Object) string {
	helper := h.callable(rt, &h.fnSourceFn, `(f) => Function.prototype.toString.call(f)`)
	v, err := helper(goja.Undefined(), fn)
	if err != nil {
		return ""
	}
	return v.String()
}
