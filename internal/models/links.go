// Package models defines the wire types shared by the executor, the worker
// and the HTTP gateway: OGC-API-Processes payloads, the job meta envelope
// attached to every task, and the worker presence record.
package models

// Link is the OGC link object used in landing pages, process descriptions,
// job statuses and file listings.
type Link struct {
	Href     string `json:"href"`
	Rel      string `json:"rel,omitempty"`
	MimeType string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Length   int64  `json:"length,omitempty"`
	HrefLang string `json:"hreflang,omitempty"`
}

// Metadata is an OGC metadata entry attached to process descriptions.
type Metadata struct {
	Title string `json:"title,omitempty"`
	Role  string `json:"role,omitempty"`
	Href  string `json:"href,omitempty"`
}
