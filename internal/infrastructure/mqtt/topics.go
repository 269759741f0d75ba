package mqtt

import "fmt"

// Topic prefixes. All statepanel topics live under a single namespace:
// statepanel/{category}/{suffix}.
const (
	// TopicPrefix is the base for all statepanel topics.
	TopicPrefix = "statepanel"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "statepanel/system"
)

// Topics provides builders for statepanel MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("PoolPump")
//	// Returns: "statepanel/state/PoolPump"
type Topics struct{}

// DeviceState returns the retained state topic for one device.
// The device segment is the URL-safe device name.
//
// Example: statepanel/state/PoolPump
func (Topics) DeviceState(urlName string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, urlName)
}

// SystemStatus returns the online/offline status topic.
//
// Example: statepanel/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// SystemReload returns the cache reload event topic.
//
// Example: statepanel/system/reload
func (Topics) SystemReload() string {
	return fmt.Sprintf("%s/reload", TopicPrefixSystem)
}

// AllDeviceStates returns a pattern matching all device state topics.
//
// Pattern: statepanel/state/+
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/state/+", TopicPrefix)
}
