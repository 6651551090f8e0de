package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesRequired(t *testing.T) {
	tests := []struct {
		name string
		dims []int
		typ  DataType
		want int
	}{
		{"scalar", nil, Float32, 4},
		{"vector", []int{10}, Float32, 40},
		{"nhwc", []int{1, 8, 8, 32}, Float32, 8192},
		{"int8", []int{3, 5}, Int8, 15},
		{"int64", []int{2, 2}, Int64, 32},
		{"zero dim", []int{4, 0, 3}, Float32, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BytesRequired(tt.dims, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("overflow in dims", func(t *testing.T) {
		_, err := BytesRequired([]int{math.MaxInt / 2, 3}, UInt8)
		assert.ErrorIs(t, err, ErrOverflow)
	})

	t.Run("overflow in element size", func(t *testing.T) {
		_, err := BytesRequired([]int{math.MaxInt/4 + 1}, Float32)
		assert.ErrorIs(t, err, ErrOverflow)
	})

	t.Run("negative dim", func(t *testing.T) {
		_, err := BytesRequired([]int{2, -1}, Float32)
		assert.ErrorContains(t, err, "negative")
	})

	t.Run("no type", func(t *testing.T) {
		_, err := BytesRequired([]int{2}, NoType)
		assert.Error(t, err)
	})
}

func TestSetDimsKeepsBytesInSync(t *testing.T) {
	tn, err := New("x", Float32, ArenaRW, []int{2, 3})
	require.NoError(t, err)
	assert.Equal(t, 24, tn.Bytes())

	require.NoError(t, tn.SetDims([]int{4, 4}))
	assert.Equal(t, 64, tn.Bytes())
	assert.Equal(t, 16, tn.NumElements())

	err = tn.SetDims([]int{math.MaxInt, 2})
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, []int{4, 4}, tn.Dims(), "failed resize must not touch the shape")
}

func TestBind(t *testing.T) {
	tn, err := New("x", Float32, Custom, []int{4})
	require.NoError(t, err)

	assert.Error(t, tn.Bind(make([]byte, 8)))
	require.NoError(t, tn.Bind(make([]byte, 32)))
	assert.Len(t, tn.Data(), 16)
	assert.Len(t, tn.Float32s(), 4)
}

func TestLendAndAdopt(t *testing.T) {
	src, err := New("src", Float32, Dynamic, []int{2})
	require.NoError(t, err)

	_, err = src.Lend()
	require.ErrorIs(t, err, ErrNoData)

	src.Realloc()
	src.Float32s()[0] = 1.5

	h, err := src.Lend()
	require.NoError(t, err)
	assert.True(t, src.Lent())

	_, err = src.Lend()
	assert.ErrorIs(t, err, ErrLent)

	dst, err := New("dst", Float32, ArenaRW, []int{2})
	require.NoError(t, err)
	require.NoError(t, dst.Adopt(h))
	assert.False(t, src.Lent(), "adopting returns the loan")
	assert.Equal(t, float32(1.5), dst.Float32s()[0])

	dst.Float32s()[1] = 7
	assert.Equal(t, float32(7), src.Float32s()[1], "adopt aliases rather than copies")

	assert.Error(t, dst.Adopt(h), "a released handle cannot be adopted twice")

	h2, err := src.Lend()
	require.NoError(t, err)
	small, err := New("small", Float32, ArenaRW, []int{1})
	require.NoError(t, err)
	assert.Error(t, small.Adopt(h2))
	h2.Release()
	h2.Release()
	assert.False(t, src.Lent())
}

func TestAlignedBuffer(t *testing.T) {
	for _, n := range []int{1, 63, 64, 1000} {
		b := AlignedBuffer(n, 64)
		assert.Len(t, b, n)
		assert.True(t, Aligned(b, 64))
	}
	assert.False(t, Aligned(nil, 64))
}

func TestParse(t *testing.T) {
	typ, err := ParseDataType("INT32")
	require.NoError(t, err)
	assert.Equal(t, Int32, typ)

	typ, err = ParseDataType("")
	require.NoError(t, err)
	assert.Equal(t, Float32, typ)

	_, err = ParseDataType("complex")
	assert.Error(t, err)

	kind, err := ParseKind("constant")
	require.NoError(t, err)
	assert.Equal(t, MmapRO, kind)
	assert.True(t, ArenaPersistent.InArena())
	assert.False(t, Dynamic.InArena())
}
