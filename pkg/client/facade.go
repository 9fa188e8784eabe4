package client

import (
	"context"
	"net/http"
)

// Versioned returns a client for the /api/v1 prefix that shares this
// client's executor, token source, tracker and defaults.
func (c *Client) Versioned() *Client {
	return c.WithPrefix(VersionedPrefix)
}

// WithPrefix returns a client on another path prefix sharing this client's executor.
func (c *Client) WithPrefix(prefix string) *Client {
	return &Client{exec: c.exec, prefix: normalizePrefix(prefix)}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...Option) (*APIResponse, error) {
	return c.Do(ctx, http.MethodGet, path, nil, opts...)
}

// Post performs a POST request with a JSON body. A nil body sends none.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...Option) (*APIResponse, error) {
	return c.Do(ctx, http.MethodPost, path, body, opts...)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...Option) (*APIResponse, error) {
	return c.Do(ctx, http.MethodPut, path, body, opts...)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...Option) (*APIResponse, error) {
	return c.Do(ctx, http.MethodPatch, path, body, opts...)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...Option) (*APIResponse, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, opts...)
}

// Upload POSTs a single file as multipart/form-data under the field "file".
func (c *Client) Upload(ctx context.Context, path string, file File, opts ...Option) (*APIResponse, error) {
	return c.Do(ctx, http.MethodPost, path, file, opts...)
}

// UploadForm POSTs a multipart form as is.
func (c *Client) UploadForm(ctx context.Context, path string, form *Form, opts ...Option) (*APIResponse, error) {
	return c.Do(ctx, http.MethodPost, path, form, opts...)
}
