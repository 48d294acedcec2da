package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	t.Run("Primitives use plain JSON encoding", func(t *testing.T) {
		assert.Equal(t, "null", Canonical(Null()))
		assert.Equal(t, "true", Canonical(Bool(true)))
		assert.Equal(t, "false", Canonical(Bool(false)))
		assert.Equal(t, "-42", Canonical(Int(-42)))
		assert.Equal(t, `"abc"`, Canonical(String("abc")))
	})

	t.Run("Object keys are sorted at every level", func(t *testing.T) {
		v := Object(
			Member{Key: "b", Value: Int(2)},
			Member{Key: "a", Value: Object(
				Member{Key: "y", Value: Int(2)},
				Member{Key: "x", Value: Int(1)},
			)},
		)
		assert.Equal(t, `{"a":{"x":1,"y":2},"b":2}`, Canonical(v))
	})

	t.Run("Arrays keep their order", func(t *testing.T) {
		v := Array(Int(3), Int(1), String("z"), Null())
		assert.Equal(t, `[3,1,"z",null]`, Canonical(v))
	})

	t.Run("Construction order does not matter", func(t *testing.T) {
		a := MustFromAny(map[string]any{"meta": map[string]any{"user_id": "u1", "project_id": "p1"}, "protocol": "ho3.cert.v2"})
		b, err := Parse([]byte(`{"protocol":"ho3.cert.v2","meta":{"project_id":"p1","user_id":"u1"}}`))
		require.NoError(t, err)

		assert.Equal(t, Canonical(a), Canonical(b))
		assert.Equal(t, Hash(a), Hash(b))
		assert.True(t, a.Equal(b))
	})

	t.Run("Repeated calls are identical", func(t *testing.T) {
		v := MustFromAny(map[string]any{"k": []any{1, "two", map[string]any{"z": nil, "a": true}}})
		first := Canonical(v)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, Canonical(v))
		}
	})

	t.Run("Strings escape only what JSON requires", func(t *testing.T) {
		assert.Equal(t, `"a\"b\\c"`, Canonical(String(`a"b\c`)))
		assert.Equal(t, `"\n\t\r\b\f"`, Canonical(String("\n\t\r\b\f")))
		assert.Equal(t, `"\u0001\u001f"`, Canonical(String("\x01\x1f")))
		assert.Equal(t, `"<tag>&"`, Canonical(String("<tag>&")))
		assert.Equal(t, `"é€😀"`, Canonical(String("é€😀")))
	})

	t.Run("Invalid UTF-8 is replaced", func(t *testing.T) {
		assert.Equal(t, "\"a�b\"", Canonical(String("a\xffb")))
	})

	t.Run("Keys sort by code point", func(t *testing.T) {
		v := Object(
			Member{Key: "é", Value: Int(1)},
			Member{Key: "z", Value: Int(2)},
			Member{Key: "A", Value: Int(3)},
		)
		assert.Equal(t, `{"A":3,"z":2,"é":1}`, Canonical(v))
	})

	t.Run("Floats use the shortest round-trip form", func(t *testing.T) {
		f, err := Float(0.1)
		require.NoError(t, err)
		assert.Equal(t, "0.1", Canonical(f))

		whole, err := Float(42)
		require.NoError(t, err)
		assert.Equal(t, Canonical(Int(42)), Canonical(whole))

		big, err := Float(1e21)
		require.NoError(t, err)
		assert.Equal(t, "1e+21", Canonical(big))
	})

	t.Run("Non-finite floats are rejected", func(t *testing.T) {
		_, err := Float(math.NaN())
		assert.ErrorIs(t, err, ErrNonFinite)
		_, err = Float(math.Inf(1))
		assert.ErrorIs(t, err, ErrNonFinite)
	})

	t.Run("Agrees with RFC 8785 for ASCII keys", func(t *testing.T) {
		raw := []byte(`{"scores":{"scp":87,"evidence":64},"diag":{"ratio":0.25,"tags":["a","b"],"nested":{"b":false,"a":null}},"meta":{"session_id":"s-1"}}`)
		v, err := Parse(raw)
		require.NoError(t, err)

		want, err := jcs.Transform(raw)
		require.NoError(t, err)
		assert.Equal(t, string(want), Canonical(v))
	})
}

func TestHash(t *testing.T) {
	t.Run("Hash is sha256 of the canonical form", func(t *testing.T) {
		v := MustFromAny(map[string]any{"b": 1, "a": "x"})
		sum := sha256.Sum256([]byte(`{"a":"x","b":1}`))
		assert.Equal(t, hex.EncodeToString(sum[:]), Hash(v))
		assert.True(t, IsHash(Hash(v)))
	})

	t.Run("Changing any field changes the hash", func(t *testing.T) {
		base := MustFromAny(map[string]any{
			"protocol": "ho3.cert.v2",
			"meta":     map[string]any{"user_id": "u1", "session_id": "s1"},
			"scores":   map[string]any{"scp": 80, "evidence": 70},
		})
		scores, _ := base.Get("scores")
		changed := base.Set("scores", scores.Set("scp", Int(81)))
		assert.NotEqual(t, Hash(base), Hash(changed))

		meta, _ := base.Get("meta")
		renamed := base.Set("meta", meta.Set("user_id", String("u2")))
		assert.NotEqual(t, Hash(base), Hash(renamed))
	})

	t.Run("IsHash rejects malformed digests", func(t *testing.T) {
		assert.False(t, IsHash(""))
		assert.False(t, IsHash("AA"))
		assert.False(t, IsHash(HashString("x")[:63]))
		assert.False(t, IsHash("G"+HashString("x")[1:]))
	})
}

func TestParse(t *testing.T) {
	t.Run("Keeps member order and integer exactness", func(t *testing.T) {
		v, err := Parse([]byte(`{"z":9007199254740993,"a":1.5}`))
		require.NoError(t, err)

		members := v.Members()
		require.Len(t, members, 2)
		assert.Equal(t, "z", members[0].Key)
		i, ok := members[0].Value.AsInt()
		assert.True(t, ok)
		assert.Equal(t, int64(9007199254740993), i)
		assert.Equal(t, KindFloat, members[1].Value.Kind())

		out, err := json.Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, `{"z":9007199254740993,"a":1.5}`, string(out))
	})

	t.Run("Rejects duplicate keys", func(t *testing.T) {
		_, err := Parse([]byte(`{"a":1,"a":2}`))
		assert.ErrorIs(t, err, ErrDuplicateKey)
	})

	t.Run("Rejects trailing data", func(t *testing.T) {
		_, err := Parse([]byte(`{"a":1} {}`))
		assert.ErrorIs(t, err, ErrTrailingData)
	})

	t.Run("Unmarshal through encoding/json", func(t *testing.T) {
		var holder struct {
			Diag Value `json:"diag"`
		}
		require.NoError(t, json.Unmarshal([]byte(`{"diag":{"k":[1,2]}}`), &holder))
		assert.Equal(t, `{"k":[1,2]}`, Canonical(holder.Diag))
	})
}

func TestValueAccessors(t *testing.T) {
	v := MustFromAny(map[string]any{
		"meta":      map[string]any{"user_id": "u1"},
		"integrity": map[string]any{"payload_hash": "x"},
	})

	assert.Equal(t, "u1", v.StringAt("meta", "user_id"))
	assert.Equal(t, "", v.StringAt("meta", "missing"))

	stripped := v.Without("integrity")
	_, ok := stripped.Get("integrity")
	assert.False(t, ok)
	_, ok = v.Get("integrity")
	assert.True(t, ok, "Without must not mutate the receiver")

	set := v.Set("meta", String("replaced"))
	assert.Equal(t, "replaced", set.StringAt("meta"))
	assert.Equal(t, "u1", v.StringAt("meta", "user_id"))
}
