package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetInsertHasDelete(t *testing.T) {
	s := MakeSet[string]()
	assert.False(t, s.Has("a"))

	s.Insert("a")
	s.Insert("b")
	assert.True(t, s.Has("a"))
	assert.True(t, s.Has("b"))

	s.Delete("a")
	assert.False(t, s.Has("a"))
	assert.True(t, s.Has("b"))
}

func TestSetClone(t *testing.T) {
	s := MakeSet[int]()
	s.Insert(1)
	s.Insert(2)

	c := s.Clone()
	c.Insert(3)

	assert.False(t, s.Has(3), "mutating the clone must not affect the original")
	assert.True(t, c.Has(1))
	assert.True(t, c.Has(2))
	assert.True(t, c.Has(3))
}

func TestMakeSetWithSizeHint(t *testing.T) {
	s := MakeSet[string](10)
	assert.False(t, s.Has("anything"))
	s.Insert("x")
	assert.True(t, s.Has("x"))
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"banana": 2, "apple": 1, "cherry": 3}
	assert.Equal(t, []string{"apple", "banana", "cherry"}, SortedKeys(m))
}

func TestSortedKeysEmpty(t *testing.T) {
	assert.Equal(t, []string{}, SortedKeys(map[string]int{}))
}
