package serializer

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

func newTestSerializer(t *testing.T) (*goja.Runtime, *Serializer) {
	t.Helper()
	rt := goja.New()
	return rt, New(rt)
}

func eval(t *testing.T, rt *goja.Runtime, src string) goja.Value {
	t.Helper()
	v, err := rt.RunString(src)
	require.NoError(t, err)
	return v
}

func TestSerialize_Primitives(t *testing.T) {
	rt, s := newTestSerializer(t)

	t.Run("undefined", func(t *testing.T) {
		sv := s.Serialize(goja.Undefined(), nil)
		assert.Equal(t, models.KindUndefined, sv.Kind)
	})

	t.Run("null", func(t *testing.T) {
		sv := s.Serialize(goja.Null(), nil)
		assert.Equal(t, models.KindNull, sv.Kind)
	})

	t.Run("number", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `42.5`), nil)
		assert.Equal(t, models.KindNumber, sv.Kind)
		assert.Equal(t, 42.5, sv.Number)
	})

	t.Run("string", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `"hello"`), nil)
		assert.Equal(t, models.KindString, sv.Kind)
		assert.Equal(t, "hello", sv.String)
	})

	t.Run("bool", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `true`), nil)
		assert.Equal(t, models.KindBool, sv.Kind)
		assert.True(t, sv.Bool)
	})

	t.Run("bigint stringifies", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `123456789012345678901234567890n`), nil)
		assert.Equal(t, models.KindBigInt, sv.Kind)
		assert.Equal(t, "123456789012345678901234567890", sv.String)
	})
}

func TestSerialize_Containers(t *testing.T) {
	rt, s := newTestSerializer(t)

	t.Run("array preserves order", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `[1, "two", false]`), nil)
		require.Equal(t, models.KindArray, sv.Kind)
		require.Len(t, sv.Items, 3)
		assert.Equal(t, models.KindNumber, sv.Items[0].Kind)
		assert.Equal(t, "two", sv.Items[1].String)
		assert.Equal(t, models.KindBool, sv.Items[2].Kind)
	})

	t.Run("object preserves insertion order", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `({z: 1, a: 2, m: 3})`), nil)
		require.Equal(t, models.KindObject, sv.Kind)
		require.Len(t, sv.Props, 3)
		assert.Equal(t, "z", sv.Props[0].Name)
		assert.Equal(t, "a", sv.Props[1].Name)
		assert.Equal(t, "m", sv.Props[2].Name)
	})

	t.Run("map with non-string keys", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `new Map([[1, "one"], ["k", "v"]])`), nil)
		require.Equal(t, models.KindMap, sv.Kind)
		require.Len(t, sv.Entries, 2)
		assert.Equal(t, models.KindNumber, sv.Entries[0].Key.Kind)
		assert.Equal(t, "one", sv.Entries[0].Value.String)
	})

	t.Run("set keeps insertion order", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `new Set(["b", "a", "c"])`), nil)
		require.Equal(t, models.KindSet, sv.Kind)
		require.Len(t, sv.Items, 3)
		assert.Equal(t, "b", sv.Items[0].String)
	})

	t.Run("date", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `new Date(1700000000000)`), nil)
		require.Equal(t, models.KindDate, sv.Kind)
		assert.Equal(t, int64(1700000000000), sv.TimeMS)
	})

	t.Run("regexp", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `/ab+c/gi`), nil)
		require.Equal(t, models.KindRegexp, sv.Kind)
		assert.Equal(t, "ab+c", sv.Pattern)
		assert.Equal(t, "gi", sv.Flags)
	})
}

func TestSerialize_Cycles(t *testing.T) {
	rt, s := newTestSerializer(t)

	sv := s.Serialize(eval(t, rt, `(() => { const o = {name: "loop"}; o.self = o; return o; })()`), nil)
	require.Equal(t, models.KindObject, sv.Kind)
	require.Len(t, sv.Props, 2)
	assert.Equal(t, models.KindCircular, sv.Props[1].Value.Kind)
	assert.NotEmpty(t, sv.Props[1].Value.RefID)

	round := s.Deserialize(sv)
	require.NoError(t, rt.Set("__round", round))
	identical := eval(t, rt, `__round.self === __round`)
	assert.True(t, identical.ToBoolean())
}

func TestSerialize_RoundTrip(t *testing.T) {
	rt, s := newTestSerializer(t)

	cases := []struct {
		name string
		src  string
	}{
		{"nested object", `({a: [1, 2, {b: "c"}], d: {e: null}})`},
		{"mixed array", `[true, "x", 3.5, null]`},
		{"map", `new Map([["k1", 1], ["k2", [2, 3]]])`},
		{"set", `new Set([1, 2, 3])`},
		{"date", `new Date(1700000000000)`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			original := eval(t, rt, tc.src)
			round := s.Deserialize(s.Serialize(original, nil))
			require.NoError(t, rt.Set("__a", original))
			require.NoError(t, rt.Set("__b", round))
			equal := eval(t, rt, `JSON.stringify(__a) === JSON.stringify(__b)`)
			assert.True(t, equal.ToBoolean(), "round trip changed the value")
		})
	}
}

func TestSerialize_Functions(t *testing.T) {
	rt, s := newTestSerializer(t)

	t.Run("arrow with closure", func(t *testing.T) {
		fn := eval(t, rt, `(x) => x + n`)
		scope := map[string]goja.Value{"n": rt.ToValue(5)}
		sv := s.Serialize(fn, scope)
		require.Equal(t, models.KindFunction, sv.Kind)
		require.NotNil(t, sv.Function)
		assert.True(t, sv.Function.Arrow)
		require.Len(t, sv.Function.Closure, 1)
		assert.Equal(t, "n", sv.Function.Closure[0].Name)

		restored := s.Deserialize(sv)
		callable, ok := goja.AssertFunction(restored)
		require.True(t, ok)
		out, err := callable(goja.Undefined(), rt.ToValue(2))
		require.NoError(t, err)
		assert.Equal(t, int64(7), out.ToInteger())
	})

	t.Run("async flag", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `async () => 1`), nil)
		require.Equal(t, models.KindFunction, sv.Kind)
		assert.True(t, sv.Function.Async)
	})

	t.Run("keywords and globals excluded from closure", func(t *testing.T) {
		fn := eval(t, rt, `(x) => JSON.stringify(x) + String(return0)`)
		scope := map[string]goja.Value{
			"JSON":    rt.ToValue(1),
			"String":  rt.ToValue(2),
			"return0": rt.ToValue(3),
		}
		sv := s.Serialize(fn, scope)
		require.Equal(t, models.KindFunction, sv.Kind)
		require.Len(t, sv.Function.Closure, 1)
		assert.Equal(t, "return0", sv.Function.Closure[0].Name)
	})

	t.Run("native function degrades", func(t *testing.T) {
		sv := s.Serialize(eval(t, rt, `Math.max`), nil)
		assert.Equal(t, models.KindNonSerializable, sv.Kind)
	})
}

func TestSerialize_NonSerializableRoundTripsToUndefined(t *testing.T) {
	rt, s := newTestSerializer(t)
	sv := s.Serialize(eval(t, rt, `Symbol("s")`), nil)
	// Symbols stringify rather than fail.
	assert.Equal(t, models.KindSymbol, sv.Kind)

	round := s.Deserialize(models.NonSerializable())
	assert.True(t, goja.IsUndefined(round))
}

func TestToNative(t *testing.T) {
	rt, s := newTestSerializer(t)
	sv := s.Serialize(eval(t, rt, `({n: 1, list: ["a", "b"], ok: true})`), nil)
	native := ToNative(sv)
	obj, ok := native.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1.0, obj["n"])
	assert.Equal(t, []any{"a", "b"}, obj["list"])
	assert.Equal(t, true, obj["ok"])
}
