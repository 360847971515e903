package core

// EndpointProvider provides a list of endpoints to register dynamically
type EndpointProvider interface {
	Endpoints() []*Endpoint
}

// Endpoint is a framework-agnostic route template. Adapters bind a handler
// to it by OperationID.
type Endpoint struct {
	Path      string
	Method    string
	Protected bool
	Metadata  EndpointMetadata
}

type EndpointMetadata struct {
	OperationID string
	Description string
}

// ErrorResponse represents an error response structure
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
