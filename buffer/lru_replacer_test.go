package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLruReplacer_Should_Return_Error_When_No_Possible_Victim_Is_Found(t *testing.T) {
	r := NewLruReplacer(8)
	v, err := r.ChooseVictim()
	assert.Zero(t, v)
	assert.ErrorIs(t, err, ErrNoVictim)
}

func TestLruReplacer_Should_Evict_In_Least_Recently_Unpinned_Order(t *testing.T) {
	r := NewLruReplacer(8)
	r.Unpin(3)
	r.Unpin(1)
	r.Unpin(5)

	for _, expected := range []int{3, 1, 5} {
		v, err := r.ChooseVictim()
		require.NoError(t, err)
		assert.Equal(t, expected, v)
	}

	_, err := r.ChooseVictim()
	assert.ErrorIs(t, err, ErrNoVictim)
}

func TestLruReplacer_Unpin_Should_Not_Reorder_An_Already_Unpinned_Frame(t *testing.T) {
	r := NewLruReplacer(8)
	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(1) // 1 keeps its place at the front

	v, err := r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestLruReplacer_Pin_Should_Remove_Frame_From_Eligible_Set(t *testing.T) {
	r := NewLruReplacer(8)
	r.Unpin(1)
	r.Unpin(2)
	r.Pin(1)

	assert.Equal(t, 1, r.Size())
	v, err := r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestLruReplacer_Pin_Is_A_NoOp_For_Absent_Frames(t *testing.T) {
	r := NewLruReplacer(8)
	r.Unpin(1)
	r.Pin(42)

	assert.Equal(t, 1, r.Size())
}

func TestLruReplacer_Size_Should_Track_Eligible_Frames(t *testing.T) {
	r := NewLruReplacer(8)
	assert.Equal(t, 0, r.Size())

	for i := 0; i < 5; i++ {
		r.Unpin(i)
	}
	assert.Equal(t, 5, r.Size())

	_, err := r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, 4, r.Size())
}
