package models

// ServicePresence is a worker's self-description, returned in answer to the
// presence inspect command. The executor aggregates presences from multiple
// worker instances of the same service into one entry with a destination
// list.
type ServicePresence struct {
	Service     string `json:"service"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Links       []Link `json:"links,omitempty"`

	// OnlineSince is the worker boot time in Unix seconds; it changes on
	// restart and invalidates description caches keyed on it.
	OnlineSince int64 `json:"online_since"`

	// Versions lists runtime and library versions, omitted when the worker
	// is configured to hide them.
	Versions []string `json:"versions,omitempty"`

	// ResultExpires is the result lifetime in seconds for jobs of this
	// service.
	ResultExpires int64 `json:"result_expires"`

	// Callbacks lists the subscriber-URL schemes the worker can dispatch.
	Callbacks []string `json:"callbacks,omitempty"`

	// Entrypoint names the processes provider running in the worker.
	Entrypoint string `json:"entrypoint,omitempty"`
}

// ServiceInfo is the gateway-facing view of a discovered service.
type ServiceInfo struct {
	ServicePresence

	// Available reports whether at least one destination currently answers
	// for the service.
	Available bool `json:"available"`
}
