// Package registry loads the list of known peripherals.
//
// known_devices.txt holds one device per line as "MAC,Alias,Flag". Flag "1"
// enables battery reads for the device. Lines without a comma are ignored.
package registry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blepresence/internal/device"
)

// KnownDevice is one entry of the device list.
type KnownDevice struct {
	Address        string
	Alias          string
	BatteryEnabled bool
}

// Registry is the ordered set of known devices keyed by upper-case address.
type Registry struct {
	devices *orderedmap.OrderedMap[string, KnownDevice]
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{devices: orderedmap.New[string, KnownDevice]()}
}

// Load reads the device list at path. A missing file yields an empty
// registry together with an error wrapping os.ErrNotExist.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), fmt.Errorf("device list %s: %w", path, err)
		}
		return New(), fmt.Errorf("failed to open device list %s: %w", path, err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads "MAC,Alias,Flag" lines. A repeated address keeps its first
// position and takes the later alias and flag.
func Parse(r io.Reader) (*Registry, error) {
	reg := New()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.Contains(line, ",") {
			continue
		}

		parts := strings.SplitN(line, ",", 3)
		address := device.NormalizeAddress(parts[0])
		if address == "" {
			continue
		}

		dev := KnownDevice{
			Address: address,
			Alias:   strings.TrimSpace(parts[1]),
		}
		if len(parts) == 3 {
			dev.BatteryEnabled = strings.TrimSpace(parts[2]) == "1"
		}
		reg.devices.Set(address, dev)
	}
	if err := scanner.Err(); err != nil {
		return reg, fmt.Errorf("failed to read device list: %w", err)
	}

	return reg, nil
}

// Add inserts or replaces a device.
func (r *Registry) Add(dev KnownDevice) {
	dev.Address = device.NormalizeAddress(dev.Address)
	r.devices.Set(dev.Address, dev)
}

// Lookup finds a device by address, case-insensitively.
func (r *Registry) Lookup(address string) (KnownDevice, bool) {
	return r.devices.Get(device.NormalizeAddress(address))
}

// Contains reports whether address is known.
func (r *Registry) Contains(address string) bool {
	_, ok := r.Lookup(address)
	return ok
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	return r.devices.Len()
}

// Devices returns all entries in file order.
func (r *Registry) Devices() []KnownDevice {
	out := make([]KnownDevice, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Addresses returns all addresses in file order.
func (r *Registry) Addresses() []string {
	out := make([]string, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// BatteryEnabled returns the addresses flagged for battery reads, in file order.
func (r *Registry) BatteryEnabled() []string {
	var out []string
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.BatteryEnabled {
			out = append(out, pair.Key)
		}
	}
	return out
}
