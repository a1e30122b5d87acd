/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-flowcontrol/log/logtest"
)

func TestService_Start(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	running := atomic.NewInt32(0)
	unit := newMockUnit("flow", running, false)
	svc := NewWithOpts(logRecorder, unit, Opts{})

	done := make(chan error, 1)
	go func() { done <- svc.Start() }()
	require.NoError(t, waitTrue(func() bool { return running.Load() == 1 }, time.Second*3))
	require.EqualValues(t, 1, unit.mustRegisterMetricsCalled.Load())

	svc.Signals <- os.Interrupt

	require.NoError(t, <-done)
	require.NoError(t, waitTrue(func() bool { return running.Load() == 0 }, time.Second*3))
	require.EqualValues(t, 1, unit.unregisterMetricsCalled.Load())
	require.EqualValues(t, 1, unit.stopGracefullyCalled.Load())

	_, found := logRecorder.FindEntry("service got signal")
	require.True(t, found)
}

func TestService_StartContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	running := atomic.NewInt32(0)
	unit := newMockUnit("flow", running, false)
	svc := New(logtest.NewRecorder(), unit)

	done := make(chan error, 1)
	go func() { done <- svc.StartContext(ctx) }()
	require.NoError(t, waitTrue(func() bool { return running.Load() == 1 }, time.Second*3))

	cancel()

	require.NoError(t, <-done)
	require.EqualValues(t, 1, unit.stopGracefullyCalled.Load())
}

func TestService_FatalError(t *testing.T) {
	errBroken := errors.New("broken")
	unit := newMockUnit("flow", atomic.NewInt32(0), false)
	unit.startErr = errBroken

	err := New(logtest.NewRecorder(), unit).Start()
	require.ErrorIs(t, err, errBroken)
}
