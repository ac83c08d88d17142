package safe_test

import (
	"fmt"
	"testing"

	"github.com/autom8ter/myquery/internal/safe"
	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"
)

func Test(t *testing.T) {
	m := safe.Map[map[string]any]{}
	assert.False(t, m.Exists("1"))
	for i := 0; i < 10; i++ {
		m.Set(fmt.Sprint(i), map[string]any{
			"value": i,
		})
	}
	assert.Equal(t, 10, m.Len())
	assert.Equal(t, "0", m.Keys()[0])
	for i := 0; i < 10; i++ {
		assert.True(t, m.Exists(fmt.Sprint(i)))
		entry := m.Get(fmt.Sprint(i))
		assert.Equal(t, entry["value"], i)
	}
	m.Range(func(key string, entry map[string]any) bool {
		assert.Equal(t, entry["value"], cast.ToInt(key))
		return true
	})

	for i := 0; i < 10; i++ {
		m.Del(fmt.Sprint(i))
	}
	for i := 0; i < 10; i++ {
		assert.False(t, m.Exists(fmt.Sprint(i)))
	}
	t.Run("set if absent", func(t *testing.T) {
		calls := 0
		fn := func() (map[string]any, error) {
			calls++
			return map[string]any{"calls": calls}, nil
		}
		first, err := m.SetIfAbsent("absent", fn)
		assert.NoError(t, err)
		second, err := m.SetIfAbsent("absent", fn)
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, first, second)
		_, ok := m.Lookup("absent")
		assert.True(t, ok)
	})
	t.Run("set if absent error", func(t *testing.T) {
		_, err := m.SetIfAbsent("failed", func() (map[string]any, error) {
			return nil, fmt.Errorf("failed")
		})
		assert.Error(t, err)
		assert.False(t, m.Exists("failed"))
	})
}
