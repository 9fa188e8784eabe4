package client

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// APIResponse is the storefront's response envelope. When Success is false,
// Data is empty and Error describes the failure.
type APIResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	RequestID string          `json:"requestId,omitempty"`

	// Status is the HTTP status the envelope arrived with.
	Status int `json:"-"`
}

// decodeSuccess parses a 2xx body. An empty body is a bare success.
func decodeSuccess(status int, body []byte) (*APIResponse, *failure) {
	if len(bytes.TrimSpace(body)) == 0 {
		return &APIResponse{Success: true, Status: status}, nil
	}

	var resp APIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &failure{
			kind:  failTerminal,
			class: ErrorClassServer,
			err: &APIError{
				Status:  status,
				Code:    CodeInvalidResponse,
				Message: "invalid JSON response",
				Err:     err,
			},
		}
	}
	resp.Status = status
	return &resp, nil
}

// Decode unmarshals the response data into T.
func Decode[T any](resp *APIResponse) (T, error) {
	var out T
	if resp == nil {
		return out, ErrNoData
	}
	if !resp.Success {
		return out, fmt.Errorf("%w: %s", ErrUnsuccessful, resp.Error)
	}
	if len(resp.Data) == 0 {
		return out, ErrNoData
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return out, fmt.Errorf("decode response data: %w", err)
	}
	return out, nil
}
