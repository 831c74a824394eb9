package keyorder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID   int
	Name string
}

func byID(r *row) int { return r.ID }

func TestOrderByKeys(t *testing.T) {
	t.Parallel()

	t.Run("request order", func(t *testing.T) {
		t.Parallel()
		values := []*row{{ID: 1, Name: "one"}, {ID: 2, Name: "two"}, {ID: 3, Name: "three"}}

		result, err := OrderByKeys([]int{3, 1, 2}, values, byID)

		require.NoError(t, err)
		require.Len(t, result, 3)
		assert.Equal(t, "three", result[0].Name)
		assert.Equal(t, "one", result[1].Name)
		assert.Equal(t, "two", result[2].Name)
	})

	t.Run("repeated key", func(t *testing.T) {
		t.Parallel()
		values := []*row{{ID: 1}, {ID: 2}}

		result, err := OrderByKeys([]int{2, 1, 2}, values, byID)

		require.NoError(t, err)
		assert.Equal(t, []int{2, 1, 2}, []int{result[0].ID, result[1].ID, result[2].ID})
		assert.Same(t, result[0], result[2])
	})

	t.Run("missing keys", func(t *testing.T) {
		t.Parallel()
		values := []*row{{ID: 1}, {ID: 3}}

		result, err := OrderByKeys([]int{3, 2, 1, 4}, values, byID)

		require.Error(t, err)
		assert.Nil(t, result)
		var missing *MissingKeysError[int]
		require.True(t, errors.As(err, &missing))
		assert.Equal(t, []int{2, 4}, missing.Keys)
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		result, err := OrderByKeys[int, *row](nil, nil, byID)
		require.NoError(t, err)
		assert.Empty(t, result)
	})
}

func TestGroupByKey(t *testing.T) {
	t.Parallel()
	values := []*row{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}, {ID: 1, Name: "c"}}

	grouped := GroupByKey(values, byID)

	require.Len(t, grouped, 2)
	require.Len(t, grouped[1], 2)
	assert.Equal(t, "a", grouped[1][0].Name)
	assert.Equal(t, "c", grouped[1][1].Name)
	assert.Len(t, grouped[2], 1)
}

func TestDistinct(t *testing.T) {
	t.Parallel()
	values := []*row{{ID: 2, Name: "first"}, {ID: 1}, {ID: 2, Name: "second"}, {ID: 3}}

	out := Distinct(values, byID)

	require.Len(t, out, 3)
	assert.Equal(t, "first", out[0].Name)
	assert.Equal(t, 1, out[1].ID)
	assert.Equal(t, 3, out[2].ID)
}

func TestChunk(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		keys []int
		size int
		want [][]int
	}{
		{name: "empty", keys: nil, size: 2, want: nil},
		{name: "unlimited", keys: []int{1, 2, 3}, size: 0, want: [][]int{{1, 2, 3}}},
		{name: "fits", keys: []int{1, 2}, size: 2, want: [][]int{{1, 2}}},
		{name: "split", keys: []int{1, 2, 3, 4, 5}, size: 2, want: [][]int{{1, 2}, {3, 4}, {5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Chunk(tt.keys, tt.size))
		})
	}
}

func TestChunkDoesNotShareCapacity(t *testing.T) {
	t.Parallel()
	keys := []int{1, 2, 3, 4}
	chunks := Chunk(keys, 2)
	chunks[0] = append(chunks[0], 99)
	assert.Equal(t, []int{1, 2, 3, 4}, keys)
}
