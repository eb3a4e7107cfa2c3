package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyloft-rt/skyloft/errs"
)

func TestMagazineAllocator_CreateAndFree(t *testing.T) {
	a := NewMagazineAllocator(2, 2, DefaultStackSize)

	tk, err := a.Create(7, 0, func(t *Task, arg any) { t.Yield() }, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(7), tk.AppID)
	assert.Equal(t, int32(0), tk.LastCPU)

	kind := waitSwitch(t, tk)
	assert.Equal(t, Yielded, kind)

	kind = waitSwitch(t, tk)
	assert.Equal(t, Exited, kind)

	a.Free(tk)
	assert.Nil(t, tk.Stack)
}

func TestMagazineAllocator_InvalidCPU(t *testing.T) {
	a := NewMagazineAllocator(1, 2, DefaultStackSize)
	_, err := a.Create(0, 5, func(t *Task, arg any) {}, nil)
	assert.Error(t, err)
}

func TestMagazineAllocator_CreateWithBuf(t *testing.T) {
	a := NewMagazineAllocator(1, 2, DefaultStackSize)
	tk, buf, err := a.CreateWithBuf(0, 0, func(t *Task, arg any) {}, nil, 64)
	require.NoError(t, err)
	assert.Len(t, buf, 64)
	a.Free(tk)
}

func TestMagazineAllocator_CreateWithBuf_TooLarge(t *testing.T) {
	a := NewMagazineAllocator(1, 2, DefaultStackSize)
	_, _, err := a.CreateWithBuf(0, 0, func(t *Task, arg any) {}, nil, DefaultStackSize*2)
	assert.Error(t, err)
}

func TestMagazineAllocator_RefillsFromCentral(t *testing.T) {
	a := NewMagazineAllocator(1, 1, DefaultStackSize)

	var created []*Task
	for i := 0; i < 3; i++ {
		tk, err := a.Create(0, 0, func(t *Task, arg any) {}, nil)
		require.NoError(t, err)
		created = append(created, tk)
	}
	for _, tk := range created {
		a.Free(tk)
	}
}

func TestSharedAllocator_CreateAndFree(t *testing.T) {
	a, err := NewSharedAllocator(1, 4, DefaultStackSize)
	require.NoError(t, err)

	tk, err := a.Create(1, 0, func(t *Task, arg any) {}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), tk.AppID)

	a.Free(tk)
}

func TestSharedAllocator_ExhaustsCapacity(t *testing.T) {
	a, err := NewSharedAllocator(1, 2, DefaultStackSize)
	require.NoError(t, err)

	_, err = a.Create(1, 0, func(t *Task, arg any) {}, nil)
	require.NoError(t, err)
	_, err = a.Create(1, 0, func(t *Task, arg any) {}, nil)
	require.NoError(t, err)

	_, err = a.Create(1, 0, func(t *Task, arg any) {}, nil)
	assert.ErrorIs(t, err, errs.ErrOutOfMemory)
}

func TestSharedAllocator_CreateIdle(t *testing.T) {
	a, err := NewSharedAllocator(1, 2, DefaultStackSize)
	require.NoError(t, err)
	idle := a.CreateIdle(4)
	assert.Equal(t, Idle, idle.State())
	assert.Equal(t, int32(4), idle.LastCPU)
}

func TestAllocator_FreeSkipFreePanics(t *testing.T) {
	a := NewMagazineAllocator(1, 2, DefaultStackSize)
	tk, err := a.Create(0, 0, func(t *Task, arg any) {}, nil)
	require.NoError(t, err)
	tk.SkipFree = true
	assert.Panics(t, func() { a.Free(tk) })
}
