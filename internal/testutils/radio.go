package testutils

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blepresence/internal/device"
)

// BatteryStep is one scripted outcome of ReadBattery.
type BatteryStep struct {
	Level int
	Err   error
	// Hang blocks the read until its context ends.
	Hang bool
}

// FakeRadio implements device.Scanner, device.BatteryReader and device.Resetter.
type FakeRadio struct {
	mu sync.Mutex

	Advertisements []device.Advertisement
	ScanErr        error
	// OnScan runs when a discovery window opens.
	OnScan func()

	battery map[string][]BatteryStep
	reads   map[string]int

	resets    atomic.Int32
	ResetErr  error
	active    atomic.Int32
	maxActive atomic.Int32
}

var (
	_ device.Scanner       = (*FakeRadio)(nil)
	_ device.BatteryReader = (*FakeRadio)(nil)
	_ device.Resetter      = (*FakeRadio)(nil)
)

// NewFakeRadio creates a radio that sees advs in every window.
func NewFakeRadio(advs ...device.Advertisement) *FakeRadio {
	return &FakeRadio{
		Advertisements: advs,
		battery:        make(map[string][]BatteryStep),
		reads:          make(map[string]int),
	}
}

// Adv is a shorthand for building advertisements.
func Adv(address, name string, rssi int) device.Advertisement {
	return device.Advertisement{Address: address, Name: name, RSSI: rssi, ObservedAt: time.Now()}
}

// ScriptBattery sets the outcomes of successive reads of address. The last
// step repeats once the script is exhausted.
func (r *FakeRadio) ScriptBattery(address string, steps ...BatteryStep) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.battery[device.NormalizeAddress(address)] = steps
	return r
}

func (r *FakeRadio) Discover(ctx context.Context, _ time.Duration) iter.Seq2[device.Advertisement, error] {
	return func(yield func(device.Advertisement, error) bool) {
		if r.OnScan != nil {
			r.OnScan()
		}
		if r.ScanErr != nil {
			yield(device.Advertisement{}, r.ScanErr)
			return
		}
		for _, adv := range r.Advertisements {
			if ctx.Err() != nil {
				return
			}
			if !yield(adv, nil) {
				return
			}
		}
	}
}

func (r *FakeRadio) ReadBattery(ctx context.Context, address string) (int, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		peak := r.maxActive.Load()
		if n <= peak || r.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	address = device.NormalizeAddress(address)
	r.mu.Lock()
	steps := r.battery[address]
	idx := r.reads[address]
	r.reads[address]++
	r.mu.Unlock()

	if len(steps) == 0 {
		return -1, device.NewError(device.KindConnectFailed, address, errors.New("no such peripheral"))
	}
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	step := steps[idx]

	if step.Hang {
		<-ctx.Done()
		return -1, device.NewError(device.KindTimeout, address, ctx.Err())
	}
	// Give concurrent readers a chance to overlap.
	time.Sleep(5 * time.Millisecond)
	if step.Err != nil {
		return -1, step.Err
	}
	return step.Level, nil
}

func (r *FakeRadio) Reset(context.Context) error {
	r.resets.Add(1)
	return r.ResetErr
}

// Reads returns how often address was read.
func (r *FakeRadio) Reads(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads[device.NormalizeAddress(address)]
}

// Resets returns how often the adapter was reset.
func (r *FakeRadio) Resets() int {
	return int(r.resets.Load())
}

// MaxConcurrentReads returns the highest number of overlapping reads.
func (r *FakeRadio) MaxConcurrentReads() int {
	return int(r.maxActive.Load())
}
