package serializer

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// identifierPattern matches candidate identifier tokens in function source.
// Over-matching is harmless: names that are keywords, globals, or absent from
// the scope map are filtered out below.
var identifierPattern = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*`)

// keywordCache memoizes reserved-word probes across all serializers.
var keywordCache sync.Map // string -> bool

// isReservedWord reports whether name cannot be used as a binding. Detection
// is a controlled probe: a declaration using the name is parsed, and a parse
// failure marks it reserved. Results are cached process-wide.
func isReservedWord(name string) bool {
	if cached, ok := keywordCache.Load(name); ok {
		return cached.(bool)
	}
	_, err := parser.ParseFile(nil, "probe.js", "let "+name+" = 0;", 0)
	reserved := err != nil
	keywordCache.Store(name, reserved)
	return reserved
}

// globalNames enumerates the global object's own and prototype-chain property
// names once per runtime.
func (s *Serializer) globalNames() map[string]bool {
	if s.globals != nil {
		return s.globals
	}
	s.globals = map[string]bool{}
	v, err := s.rt.RunString(`(() => {
		const names = new Set();
		let o = globalThis;
		while (o) {
			for (const n of Object.getOwnPropertyNames(o)) names.add(n);
			o = Object.getPrototypeOf(o);
		}
		return Array.from(names);
	})()`)
	if err != nil {
		return s.globals
	}
	arr := v.ToObject(s.rt)
	length := int(arr.Get("length").ToInteger())
	for i := 0; i < length; i++ {
		s.globals[arr.Get(strconv.Itoa(i)).String()] = true
	}
	return s.globals
}

func (s *Serializer) serializeFunction(fn *goja.Object, scope map[string]goja.Value) *models.SerializedValue {
	source := s.helpers.functionSource(s.rt, fn)
	if source == "" || strings.Contains(source, "[native code]") {
		return models.NonSerializable()
	}

	sf := &models.SerializedFunction{
		Source:    source,
		Async:     strings.HasPrefix(source, "async"),
		Generator: strings.HasPrefix(source, "function*") || strings.HasPrefix(source, "async function*"),
		Arrow:     isArrowSource(source),
	}

	// Closure variables: identifier tokens in the source, intersected with
	// the provided scope, minus reserved words and globals. False positives
	// join the closure table harmlessly; false negatives re-resolve against
	// the deserializing context's globals.
	if len(scope) > 0 {
		globals := s.globalNames()
		seen := map[string]bool{}
		for _, name := range identifierPattern.FindAllString(source, -1) {
			if seen[name] || globals[name] || isReservedWord(name) {
				continue
			}
			seen[name] = true
			if captured, ok := scope[name]; ok {
				sf.Closure = append(sf.Closure, models.Prop{
					Name:  name,
					Value: s.Serialize(captured, nil),
				})
			}
		}
	}

	return &models.SerializedValue{Kind: models.KindFunction, Function: sf}
}

// isArrowSource detects an arrow function by locating "=>" before any body
// brace at the top nesting level of the parameter list.
func isArrowSource(source string) bool {
	src := strings.TrimPrefix(strings.TrimSpace(source), "async")
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "function") {
		return false
	}
	depth := 0
	for i := 0; i < len(src)-1; i++ {
		switch src[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case '{':
			return false
		case '=':
			if depth == 0 && src[i+1] == '>' {
				return true
			}
		}
	}
	return false
}

func (s *Serializer) deserializeFunction(sv *models.SerializedValue, refs map[string]*goja.Object) goja.Value {
	sf := sv.Function
	if sf == nil {
		return goja.Undefined()
	}

	names := make([]string, 0, len(sf.Closure))
	values := make([]goja.Value, 0, len(sf.Closure))
	for _, p := range sf.Closure {
		names = append(names, p.Name)
		values = append(values, s.deserialize(p.Value, refs))
	}

	source := sf.Source
	// Shorthand methods serialize as "name(args) {...}", which is not a
	// valid expression; re-wrap as a function expression.
	if !sf.Arrow && !strings.HasPrefix(strings.TrimSpace(source), "function") && !strings.HasPrefix(strings.TrimSpace(source), "async") {
		source = "function " + source
	}

	wrapper := "(function(" + strings.Join(names, ", ") + ") { return (" + source + "); })"
	v, err := s.rt.RunString(wrapper)
	if err != nil {
		return goja.Undefined()
	}
	factory, ok := goja.AssertFunction(v)
	if !ok {
		return goja.Undefined()
	}
	fn, err := factory(goja.Undefined(), values...)
	if err != nil {
		return goja.Undefined()
	}
	return fn
}
