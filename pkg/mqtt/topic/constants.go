package topic

// MQTT wildcard levels, used when building subscription filters.
const (
	// Wildcard matches exactly one level: "dkit/v1/restore/+/result".
	Wildcard = "+"

	// MultiWildcard matches the current level and everything below it.
	// It must be the last level of a filter: "dkit/v1/restore/#".
	MultiWildcard = "#"
)
