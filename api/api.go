// Package api carries the OpenAPI description of the gateway surface. The
// document is embedded at build time, validated at boot and served on the
// /api endpoint.
package api

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.json
var Document []byte

// Load parses and validates the embedded document. A validation failure
// means the build shipped a broken description and is fatal.
func Load(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(Document)
	if err != nil {
		return nil, fmt.Errorf("parsing openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	return doc, nil
}
