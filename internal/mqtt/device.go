package mqtt

import "github.com/nugget/botlab/internal/buildinfo"

// DeviceInfo is the Home Assistant device block shared by every sensor,
// so they group under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the retained discovery payload for one sensor.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo builds the device block. The instance ID is the stable
// identifier; deviceName is what the UI shows and may change. agent is
// the loaded agent definition's name.
func NewDeviceInfo(instanceID, deviceName, agent string) DeviceInfo {
	model := "botlab"
	if agent != "" {
		model = "botlab (" + agent + ")"
	}
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "botlab",
		Model:        model,
		SWVersion:    buildinfo.Version,
	}
}
