// Package homeassistant provides MQTT auto-discovery support for Home
// Assistant integration. Discovery messages are derived from the register
// map: every readable primary descriptor becomes one sensor entity.
package homeassistant

import (
	"fmt"
	"strings"

	"github.com/sundial-energy/go-sunwatch/internal/register"
)

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	DiscoveryPrefix    string
	DeviceManufacturer string
	RetainDiscovery    bool
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
}

// AutoDiscovery generates discovery messages for one device.
type AutoDiscovery struct {
	config    Config
	baseTopic string
	deviceID  string
}

// New creates a new Home Assistant auto-discovery instance. baseTopic is the
// MQTT topic snapshots are published under; per-sensor state topics hang off
// baseTopic/deviceID.
func New(config Config, baseTopic, deviceID string) *AutoDiscovery {
	return &AutoDiscovery{
		config:    config,
		baseTopic: baseTopic,
		deviceID:  deviceID,
	}
}

// AvailabilityTopic returns the topic availability payloads are published on.
func (ad *AutoDiscovery) AvailabilityTopic() string {
	return fmt.Sprintf("%s/%s/availability", ad.baseTopic, ad.deviceID)
}

// StateTopic returns the per-sensor state topic for a logical register name.
func (ad *AutoDiscovery) StateTopic(name string) string {
	return fmt.Sprintf("%s/%s/%s", ad.baseTopic, ad.deviceID, name)
}

// Messages builds the discovery message for every readable sensor the
// register map defines, keyed by discovery topic.
func (ad *AutoDiscovery) Messages(m *register.Map, model string) map[string]DiscoveryMessage {
	device := DeviceInfo{
		Identifiers:  []string{ad.deviceID},
		Name:         ad.deviceID,
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        model,
	}

	messages := make(map[string]DiscoveryMessage)
	for _, class := range []register.Class{register.Holding, register.Input} {
		for _, d := range m.Descriptors(class) {
			if !d.Primary() || d.Access == register.WriteOnly {
				continue
			}
			topic := fmt.Sprintf("%s/sensor/%s/%s/config",
				ad.config.DiscoveryPrefix, ad.deviceID, d.Name)
			deviceClass, stateClass := classify(d)
			messages[topic] = DiscoveryMessage{
				Name:                strings.ReplaceAll(d.Name, "_", " "),
				UniqueID:            fmt.Sprintf("%s_%s", ad.deviceID, d.Name),
				StateTopic:          ad.StateTopic(d.Name),
				DeviceClass:         deviceClass,
				UnitOfMeasurement:   d.EffectiveUnit(),
				StateClass:          stateClass,
				Device:              device,
				AvailabilityTopic:   ad.AvailabilityTopic(),
				PayloadAvailable:    "online",
				PayloadNotAvailable: "offline",
			}
		}
	}
	return messages
}

// classify derives the Home Assistant device and state classes from the
// register's physical unit. Enum registers publish their label and carry no
// class at all.
func classify(d register.Descriptor) (deviceClass, stateClass string) {
	if d.Enum != nil {
		return "", ""
	}
	switch d.EffectiveUnit() {
	case "W":
		return "power", "measurement"
	case "kWh":
		// Daily counters reset at midnight, which total_increasing handles.
		return "energy", "total_increasing"
	case "V":
		return "voltage", "measurement"
	case "A":
		return "current", "measurement"
	case "Hz":
		return "frequency", "measurement"
	case "°C":
		return "temperature", "measurement"
	case "%":
		if strings.Contains(d.Name, "soc") {
			return "battery", "measurement"
		}
		return "", "measurement"
	default:
		return "", ""
	}
}
