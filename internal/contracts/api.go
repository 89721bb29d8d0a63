package contracts

// APIResponse is the envelope of every control API response.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Kind is the error category, e.g. "not_found" or "invalid".
	Kind string `json:"kind,omitempty"`
}

// NewSuccessResponse wraps data.
func NewSuccessResponse(data any) APIResponse {
	return APIResponse{Success: true, Data: data}
}

// NewErrorResponse wraps an error message.
func NewErrorResponse(msg, kind string) APIResponse {
	return APIResponse{Success: false, Error: msg, Kind: kind}
}
