package sensor

import "strconv"

const manufacturer = "Israel Electric Company"

// EntityType decides which device a sensor belongs to.
type EntityType int

const (
	EntityTypeGeneric EntityType = iota
	EntityTypeContract
	EntityTypeMeter
)

// DeviceInfo groups sensors by contract or meter.
type DeviceInfo struct {
	Identifier   string `json:"identifier"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// GetDeviceInfo returns the device of a contract or one of its meters.
func GetDeviceInfo(contractID int, meterID string, entityType EntityType) DeviceInfo {
	id := strconv.Itoa(contractID)
	info := DeviceInfo{
		Identifier:   id,
		Name:         "IEC",
		Manufacturer: manufacturer,
	}
	switch entityType {
	case EntityTypeContract:
		info.Name = "IEC Contract [" + id + "]"
		info.Model = "Contract: " + id
	case EntityTypeMeter:
		info.Name = "IEC Meter [" + meterID + "]"
		info.Model = "Contract: " + id
		if meterID != "" {
			info.SerialNumber = "Meter ID: " + meterID
			info.Identifier = id + "_" + meterID
		}
	}
	return info
}
