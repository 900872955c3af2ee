package testutils

import (
	"context"
	"sync"

	"github.com/srg/blepresence/internal/config"
	"github.com/srg/blepresence/internal/publish"
)

// FakePublisher records every report it is given.
type FakePublisher struct {
	mu          sync.Mutex
	presence    []publish.PresenceReport
	battery     []publish.BatteryReport
	revalidated int
	updated     int

	// Rebuilds is returned by Update.
	Rebuilds bool
}

var _ publish.Publisher = (*FakePublisher)(nil)

func (p *FakePublisher) PublishPresence(_ context.Context, report publish.PresenceReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence = append(p.presence, report)
}

func (p *FakePublisher) PublishBattery(_ context.Context, report publish.BatteryReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.battery = append(p.battery, report)
}

// Update counts configuration reloads.
func (p *FakePublisher) Update(*config.Config) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated++
	return p.Rebuilds
}

// Revalidate counts connection checks.
func (p *FakePublisher) Revalidate(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revalidated++
}

// Revalidations returns how often Revalidate was called.
func (p *FakePublisher) Revalidations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revalidated
}

// Updates returns how often Update was called.
func (p *FakePublisher) Updates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updated
}

// Presence returns a copy of the recorded presence reports.
func (p *FakePublisher) Presence() []publish.PresenceReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publish.PresenceReport(nil), p.presence...)
}

// Battery returns a copy of the recorded battery reports.
func (p *FakePublisher) Battery() []publish.BatteryReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publish.BatteryReport(nil), p.battery...)
}

// Online returns the addresses reported online, in publish order.
func (p *FakePublisher) Online() []string {
	return p.filter(1)
}

// Offline returns the addresses reported offline, in publish order.
func (p *FakePublisher) Offline() []string {
	return p.filter(0)
}

func (p *FakePublisher) filter(online int) []string {
	var out []string
	for _, r := range p.Presence() {
		if r.IsOnline == online {
			out = append(out, r.Address)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (p *FakePublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence = nil
	p.battery = nil
}
