package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "link", Key("link"))
	assert.Equal(t, "link:owner:42", Key("link", "owner", 42))
}

func TestSerializeRoundTrip(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	data, err := Serialize(payload{Name: "sdq"})
	require.NoError(t, err)

	var out payload
	require.NoError(t, Deserialize(data, &out))
	assert.Equal(t, "sdq", out.Name)

	assert.Error(t, Deserialize([]byte("{"), &out))
}

func TestLocal(t *testing.T) {
	l := NewLocal[string](50*time.Millisecond, time.Minute)

	_, ok := l.Get("a")
	assert.False(t, ok)

	l.Set("a", "1")
	v, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, 1, l.Len())

	l.Delete("a")
	_, ok = l.Get("a")
	assert.False(t, ok)

	l.Set("b", "2")
	assert.Eventually(t, func() bool {
		_, ok := l.Get("b")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
