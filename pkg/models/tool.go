package models

import "encoding/json"

// ToolSchema describes one callable tool in the wire format forwarded to
// model adapters: a JSON-schema object for the parameters plus name and
// description. The core treats Parameters opaquely.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
