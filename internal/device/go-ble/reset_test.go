package goble

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepresence/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHCIResetter_Reset(t *testing.T) {
	t.Run("runs down then up", func(t *testing.T) {
		var calls [][]string
		r := NewHCIResetter("hci1", logrus.New())
		r.Run = func(_ context.Context, name string, args ...string) ([]byte, error) {
			calls = append(calls, append([]string{name}, args...))
			return nil, nil
		}

		require.NoError(t, r.Reset(context.Background()))
		assert.Equal(t, [][]string{
			{"hciconfig", "hci1", "down"},
			{"hciconfig", "hci1", "up"},
		}, calls)
	})

	t.Run("stops at the first failing step", func(t *testing.T) {
		calls := 0
		r := NewHCIResetter("hci0", logrus.New())
		r.Run = func(context.Context, string, ...string) ([]byte, error) {
			calls++
			return []byte("Can't down device hci0"), errors.New("exit status 1")
		}

		err := r.Reset(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Can't down device hci0")
		assert.Equal(t, 1, calls)
	})
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback device.ErrorKind
		want     error
	}{
		{name: "deadline", err: context.DeadlineExceeded, fallback: device.KindConnectFailed, want: device.ErrTimeout},
		{name: "timeout text", err: errors.New("hci: command timed out"), fallback: device.KindProtocol, want: device.ErrTimeout},
		{name: "disconnected", err: errors.New("remote disconnected"), fallback: device.KindProtocol, want: device.ErrConnectFailed},
		{name: "att error", err: errors.New("ATT error: read not permitted"), fallback: device.KindConnectFailed, want: device.ErrProtocol},
		{name: "adapter missing", err: errors.New("can't init hci: no such device"), fallback: device.KindProtocol, want: device.ErrConnectFailed},
		{name: "fallback", err: errors.New("weird"), fallback: device.KindProtocol, want: device.ErrProtocol},
		{name: "already classified", err: device.NewError(device.KindConnectFailed, "A", nil), fallback: device.KindProtocol, want: device.ErrConnectFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(context.Background(), "AA:BB", tt.fallback, tt.err)
			assert.ErrorIs(t, got, tt.want)
		})
	}

	assert.NoError(t, NormalizeError(context.Background(), "", device.KindProtocol, nil))
}
