// Package config resolves a module's boot-time configuration: its
// 6-byte physical address, the chip-select GPIO pin backing each dock,
// and the IPv6 addresses/prefixes it owns. Configurations are embedded
// JSON documents looked up by device ID and decoded into one typed
// Boot struct; the decoded Boot is then republished retained on the bus
// purely for observability.
package config

import (
	"net/netip"

	"dockmesh-go/bus"
	"dockmesh-go/errcode"

	"github.com/andreyvit/tinyjson"
)

const (
	serviceName = "config"
)

// BootTopic is the retained bus topic the boot configuration is
// republished under once loaded.
var BootTopic = bus.T("config", "boot")

// GetTopic is the request topic Serve answers: a message published here
// with a ReplyTo receives the loaded Boot as its reply. Lets a
// host-side client query a running module's configuration without
// holding a reference to the Boot struct.
var GetTopic = bus.T("config", "get")

// DockPin is the chip-select GPIO line backing one configured dock.
type DockPin struct {
	CSPin int
}

// Boot is a module's configuration at boot.
type Boot struct {
	PhysicalAddr [6]byte
	Docks        []DockPin
	Addresses    []netip.Prefix
}

// EmbeddedConfigLookup resolves a device ID to its raw JSON document.
// Overridable so tests and alternative provisioning paths (a USB mass
// storage file, a server-pushed blob) can supply configuration without
// touching the embedded table.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// Load resolves device's embedded JSON document into a Boot struct.
func Load(device string) (Boot, error) {
	if device == "" {
		return Boot{}, errcode.New(errcode.ConfigInvalid, "config.Load", "missing device ID")
	}
	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return Boot{}, errcode.New(errcode.ConfigInvalid, "config.Load", "no embedded config for device: "+device)
	}

	r := tinyjson.Raw(raw)
	val := r.Value()
	r.EnsureEOF()

	m, ok := val.(map[string]any)
	if !ok {
		return Boot{}, errcode.New(errcode.ConfigInvalid, "config.Load", "embedded config is not a JSON object")
	}
	return decodeBoot(m)
}

func decodeBoot(m map[string]any) (Boot, error) {
	var b Boot

	addrField, _ := m["physical_addr"].([]any)
	if len(addrField) != 6 {
		return Boot{}, errcode.New(errcode.ConfigInvalid, "config.decodeBoot", "physical_addr must have 6 entries")
	}
	for i, v := range addrField {
		n, ok := v.(float64)
		if !ok || n < 0 || n > 255 {
			return Boot{}, errcode.New(errcode.ConfigInvalid, "config.decodeBoot", "physical_addr entry out of range")
		}
		b.PhysicalAddr[i] = byte(n)
	}

	docksField, _ := m["docks"].([]any)
	for _, v := range docksField {
		n, ok := v.(float64)
		if !ok {
			return Boot{}, errcode.New(errcode.ConfigInvalid, "config.decodeBoot", "docks entry must be numeric")
		}
		b.Docks = append(b.Docks, DockPin{CSPin: int(n)})
	}

	addrsField, _ := m["addresses"].([]any)
	for _, v := range addrsField {
		entry, ok := v.(map[string]any)
		if !ok {
			return Boot{}, errcode.New(errcode.ConfigInvalid, "config.decodeBoot", "addresses entry must be an object")
		}
		addrStr, _ := entry["addr"].(string)
		addr, err := netip.ParseAddr(addrStr)
		if err != nil {
			return Boot{}, errcode.Wrap(errcode.ConfigInvalid, "config.decodeBoot", "bad address", err)
		}
		plen := 128
		if pl, ok := entry["prefix_len"].(float64); ok {
			plen = int(pl)
		}
		prefix, err := addr.Prefix(plen)
		if err != nil {
			return Boot{}, errcode.Wrap(errcode.ConfigInvalid, "config.decodeBoot", "bad prefix length", err)
		}
		b.Addresses = append(b.Addresses, prefix)
	}

	return b, nil
}

// Service loads the boot configuration for a device and republishes the
// decoded Boot retained on the bus, so anything watching (a host-side UI,
// the metrics exporter) can see what a module booted with without
// holding a reference to the Boot struct itself.
type Service struct {
	Name string
}

func NewService() *Service { return &Service{Name: serviceName} }

// Load resolves device's configuration and publishes it retained under
// BootTopic. The resolved Boot is returned directly to the caller as well
// as published, because the mesh core (routing.Core, the per-dock
// network interfaces) is wired up synchronously at boot, not through the
// bus.
func (s *Service) Load(device string, conn *bus.Connection) (Boot, error) {
	b, err := Load(device)
	if err != nil {
		return Boot{}, err
	}
	if conn != nil {
		conn.Publish(&bus.Message{Topic: BootTopic, Payload: b, Retained: true})
	}
	return b, nil
}

// Serve answers GetTopic requests with b until the returned
// subscription is torn down (Unsubscribe, or Disconnect on conn).
// Requests without a ReplyTo are ignored.
func (s *Service) Serve(conn *bus.Connection, b Boot) *bus.Subscription {
	sub := conn.Subscribe(GetTopic)
	go func() {
		for m := range sub.Channel() {
			conn.Reply(m, b, false)
		}
	}()
	return sub
}
