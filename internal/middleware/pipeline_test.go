package middleware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStages_Run_AllAccept(t *testing.T) {
	t.Parallel()

	s := NewStages()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		s.Add("emit", i, func(req any, next func(error)) {
			order = append(order, i)
			next(nil)
		})
	}

	var gotErr error
	done := make(chan struct{})
	s.Run("emit", "req", nil, func(err error) {
		gotErr = err
		close(done)
	})
	<-done

	assert.NoError(t, gotErr)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestStages_Run_ShortCircuitsOnReject(t *testing.T) {
	t.Parallel()

	s := NewStages()
	var ran []int
	wantErr := errors.New("boom")

	s.Add("subscribe", 1, func(req any, next func(error)) {
		ran = append(ran, 1)
		next(nil)
	})
	s.Add("subscribe", 2, func(req any, next func(error)) {
		ran = append(ran, 2)
		next(wantErr)
	})
	s.Add("subscribe", 3, func(req any, next func(error)) {
		ran = append(ran, 3)
		next(nil)
	})

	var gotErr error
	done := make(chan struct{})
	s.Run("subscribe", nil, nil, func(err error) {
		gotErr = err
		close(done)
	})
	<-done

	assert.Equal(t, []int{1, 2}, ran)
	assert.ErrorIs(t, gotErr, wantErr)
}

func TestStages_Run_EmptyStageAccepts(t *testing.T) {
	t.Parallel()

	s := NewStages()
	var gotErr error
	done := make(chan struct{})
	s.Run("publishOut", nil, nil, func(err error) {
		gotErr = err
		close(done)
	})
	<-done
	assert.NoError(t, gotErr)
}

func TestStages_Run_DoubleCallbackWarns(t *testing.T) {
	t.Parallel()

	s := NewStages()
	s.Add("emit", 1, func(req any, next func(error)) {
		next(nil)
		next(nil) // second call must be ignored, only reported
	})

	var warnErr error
	var gotErr error
	done := make(chan struct{})
	s.Run("emit", nil, func(err error) {
		warnErr = err
	}, func(err error) {
		gotErr = err
		close(done)
	})
	<-done

	assert.NoError(t, gotErr)
	assert.ErrorIs(t, warnErr, ErrDoubleCallback)
}

func TestStages_AddRemove(t *testing.T) {
	t.Parallel()

	s := NewStages()
	called := false
	fn := func(req any, next func(error)) {
		called = true
		next(nil)
	}
	s.Add("handshake", fn, fn)
	require.Equal(t, 1, s.Len("handshake"))

	s.Remove("handshake", fn)
	assert.Equal(t, 0, s.Len("handshake"))

	done := make(chan struct{})
	s.Run("handshake", nil, nil, func(error) { close(done) })
	<-done
	assert.False(t, called)
}

func TestStages_RemoveUnregisteredIsNoop(t *testing.T) {
	t.Parallel()

	s := NewStages()
	fn := func(req any, next func(error)) { next(nil) }
	s.Remove("emit", fn)
	assert.Equal(t, 0, s.Len("emit"))
}
