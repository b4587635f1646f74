package topic

// Standard MQTT topic syntax.
const (
	// Separator splits a topic into levels.
	Separator = "/"

	// Wildcard is the single-level wildcard "+".
	// Example: "sensors/+/temperature" matches "sensors/room1/temperature".
	Wildcard = "+"

	// MultiWildcard is the multi-level wildcard "#". It must be the last level
	// and also matches the parent level: "sensors/#" matches "sensors".
	MultiWildcard = "#"

	// SharePrefix marks a shared subscription: $share/<group>/<filter>.
	SharePrefix = "$share/"

	// MaxLength is the longest topic the protocol can encode.
	MaxLength = 65535
)
