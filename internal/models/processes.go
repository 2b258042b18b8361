package models

import "encoding/json"

// JobControlOption is an OGC job control capability of a process.
type JobControlOption string

const (
	SyncExecute  JobControlOption = "sync-execute"
	AsyncExecute JobControlOption = "async-execute"
	DismissOp    JobControlOption = "dismiss"
)

// ProcessSummary is the shortened process description returned by the
// process listing and embedded in presences.
type ProcessSummary struct {
	ID                string             `json:"id"`
	Title             string             `json:"title,omitempty"`
	Description       string             `json:"description,omitempty"`
	Version           string             `json:"version"`
	Keywords          []string           `json:"keywords,omitempty"`
	Metadata          []Metadata         `json:"metadata,omitempty"`
	JobControlOptions []JobControlOption `json:"jobControlOptions,omitempty"`
	Links             []Link             `json:"links,omitempty"`
}

// Supports reports whether the process advertises the given control option.
// An empty option list means the process accepts every execution mode.
func (p *ProcessSummary) Supports(opt JobControlOption) bool {
	if len(p.JobControlOptions) == 0 {
		return true
	}
	for _, o := range p.JobControlOptions {
		if o == opt {
			return true
		}
	}
	return false
}

// ProcessDescription is the full description with typed inputs and outputs.
type ProcessDescription struct {
	ProcessSummary

	Inputs  map[string]InputDescription  `json:"inputs,omitempty"`
	Outputs map[string]OutputDescription `json:"outputs,omitempty"`
}

// InputDescription describes one process input. Schema is a JSON Schema
// fragment kept opaque; MaxOccurs is an integer or the string "unbounded"
// on the wire.
type InputDescription struct {
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	Keywords     []string        `json:"keywords,omitempty"`
	Metadata     []Metadata      `json:"metadata,omitempty"`
	Schema       json.RawMessage `json:"schema"`
	MinOccurs    int             `json:"minOccurs"`
	MaxOccurs    any             `json:"maxOccurs,omitempty"`
	ValuePassing []string        `json:"valuePassing,omitempty"`
}

// OutputDescription describes one process output.
type OutputDescription struct {
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	Schema       json.RawMessage `json:"schema"`
	ValuePassing []string        `json:"valuePassing,omitempty"`
}

// ProcessList is the payload of the process listing endpoint.
type ProcessList struct {
	Processes []ProcessSummary `json:"processes"`
	Links     []Link           `json:"links"`
}
