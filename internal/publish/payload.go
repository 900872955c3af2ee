package publish

import (
	"github.com/srg/blepresence/internal/device"
)

const (
	// OfflineName is reported for a known device missing from a discovery window.
	OfflineName = "N/A (Offline)"
	// DirectReadName is reported for battery reads, which carry no advertisement.
	DirectReadName = "N/A (Direct-Read)"
	// UnknownName is used when an online device advertises no local name.
	UnknownName = "Unknown"
	// DirectReadAlias is used for addresses that are not in the device list.
	DirectReadAlias = "N/A (direct read)"
	// OfflineRSSI is the placeholder signal strength for absent devices.
	OfflineRSSI = -100
)

// PresenceReport is published on the scan topic.
type PresenceReport struct {
	Hostname           string `json:"hostname"`
	Address            string `json:"address"`
	IsOnline           int    `json:"is_online"`
	LastBatteryPercent *int   `json:"last_battery_percent,omitempty"`
	Name               string `json:"name"`
	Alias              string `json:"alias"`
	RSSI               int    `json:"rssi"`
	Timestamp          int64  `json:"timestamp"`
}

// BatteryReport is published on the battery topic.
type BatteryReport struct {
	Hostname       string `json:"hostname"`
	Address        string `json:"address"`
	IsOnline       int    `json:"is_online"`
	BatteryPercent int    `json:"battery_percent"`
	Name           string `json:"name"`
	Alias          string `json:"alias"`
	RSSI           int    `json:"rssi"`
	Timestamp      int64  `json:"timestamp"`
}

// Online builds the report for a device seen in the current window.
func Online(adv device.Advertisement, alias string, lastBattery int) PresenceReport {
	name := adv.Name
	if name == "" {
		name = UnknownName
	}
	return PresenceReport{
		Address:            device.NormalizeAddress(adv.Address),
		IsOnline:           1,
		LastBatteryPercent: &lastBattery,
		Name:               name,
		Alias:              alias,
		RSSI:               adv.RSSI,
	}
}

// Offline builds the report for a known device that was not seen.
func Offline(address, alias string) PresenceReport {
	return PresenceReport{
		Address:  device.NormalizeAddress(address),
		IsOnline: 0,
		Name:     OfflineName,
		Alias:    alias,
		RSSI:     OfflineRSSI,
	}
}

// Battery builds the report for one battery read outcome.
func Battery(address, alias string, online bool, percent int) BatteryReport {
	r := BatteryReport{
		Address:        device.NormalizeAddress(address),
		BatteryPercent: percent,
		Name:           DirectReadName,
		Alias:          alias,
		RSSI:           OfflineRSSI,
	}
	if online {
		r.IsOnline = 1
	}
	return r
}
