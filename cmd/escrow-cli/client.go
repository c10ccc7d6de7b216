package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// apiError is a non-2xx response from escrowd.
type apiError struct {
	Status  int
	Code    string
	Reason  string
	Message string
}

func (e *apiError) Error() string {
	switch {
	case e.Code == "":
		return fmt.Sprintf("escrowd returned %d: %s", e.Status, e.Message)
	case e.Reason != "":
		return fmt.Sprintf("escrowd returned %d (%s/%s): %s", e.Status, e.Code, e.Reason, e.Message)
	default:
		return fmt.Sprintf("escrowd returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
}

type client struct {
	endpoint string
	token    string
	http     *http.Client
}

func newClient(opts *rootOptions) *client {
	return &client{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		token:    strings.TrimSpace(opts.Token),
		http:     &http.Client{Timeout: opts.Timeout},
	}
}

// do sends body as JSON and decodes the response into out. Mutating requests
// carry a fresh Idempotency-Key so transport retries cannot double-apply.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// decodeAPIError understands both the handler error shape and the flat one
// written by middleware.
func decodeAPIError(status int, raw []byte) error {
	apiErr := &apiError{Status: status, Message: strings.TrimSpace(string(raw))}
	var nested struct {
		Error struct {
			Code    string `json:"code"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &nested) == nil && nested.Error.Message != "" {
		apiErr.Code, apiErr.Reason, apiErr.Message = nested.Error.Code, nested.Error.Reason, nested.Error.Message
		return apiErr
	}
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &flat) == nil && flat.Error != "" {
		apiErr.Message = flat.Error
	}
	return apiErr
}
