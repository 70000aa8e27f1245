/*
Copyright 2025 The devicekit Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	"fmt"
)

// Mode is the operational mode a device was last observed in.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeRecovery Mode = "recovery"
	ModeDFU      Mode = "dfu"
	// ModeUnknown is a legitimate observation, e.g. while the device re-enumerates.
	ModeUnknown Mode = "unknown"
)

// ParseMode coerces s into one of the enumerated modes; anything unrecognised is ModeUnknown.
func ParseMode(s string) Mode {
	switch m := Mode(s); m {
	case ModeNormal, ModeRecovery, ModeDFU:
		return m
	default:
		return ModeUnknown
	}
}

// Known reports whether m is a confident observation.
func (m Mode) Known() bool {
	return m == ModeNormal || m == ModeRecovery || m == ModeDFU
}

// Connection is the transport a device is attached through.
type Connection string

const (
	ConnectionUSB  Connection = "usb"
	ConnectionWiFi Connection = "wifi"
)

// Device describes one attached device.
type Device struct {
	// UDID is the opaque device serial.
	UDID string `json:"udid"`

	// ProductType is the hardware model identifier, e.g. "iPhone12,8".
	ProductType string `json:"product_type"`

	// ProductVersion is the OS version running on the device, empty outside normal mode.
	ProductVersion string `json:"product_version"`

	DeviceName string     `json:"device_name"`
	Connection Connection `json:"connection"`
	Mode       Mode       `json:"mode"`
}

// Validate checks field presence and enumerated values.
func (d *Device) Validate() error {
	if d.UDID == "" {
		return fmt.Errorf("device: udid is required")
	}
	switch d.Connection {
	case ConnectionUSB, ConnectionWiFi:
	default:
		return fmt.Errorf("device: connection must be %q or %q, got %q", ConnectionUSB, ConnectionWiFi, d.Connection)
	}
	switch d.Mode {
	case ModeNormal, ModeRecovery, ModeDFU, ModeUnknown:
	default:
		return fmt.Errorf("device: invalid mode %q", d.Mode)
	}
	return nil
}
