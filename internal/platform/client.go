// Package platform is the outbound client for the marketing platform:
// custom-object record writes and action-instance updates. OAuth token
// management lives outside the bridge; a TokenSource collaborator supplies
// bearer tokens per install.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type TokenSource interface {
	Token(ctx context.Context, installID string) (string, error)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenSource
}

type FieldValue struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func (c *Client) do(ctx context.Context, installID, method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.Tokens.Token(ctx, installID)
	if err != nil {
		return fmt.Errorf("resolve platform token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("platform %s %s: status %d: %s", method, path, resp.StatusCode, string(b))
	}
	return nil
}

// CreateCustomObjectRecord writes one per-contact outcome row into a
// platform custom object.
func (c *Client) CreateCustomObjectRecord(ctx context.Context, installID, customObjectID string, fieldValues []FieldValue) error {
	payload := map[string]any{"fieldValues": fieldValues}
	return c.do(ctx, installID, http.MethodPost, "/api/customObject/"+customObjectID+"/instance", payload)
}

// UpdateActionInstance pushes the compiled record definition back so the
// platform knows which contact fields to include in notify batches.
func (c *Client) UpdateActionInstance(ctx context.Context, installID, instanceID string, recordDefinition map[string]string, requiresConfiguration bool) error {
	payload := map[string]any{
		"recordDefinition":      recordDefinition,
		"requiresConfiguration": requiresConfiguration,
	}
	return c.do(ctx, installID, http.MethodPut, "/api/actions/instances/"+instanceID, payload)
}

// StaticToken is a TokenSource for deployments where the platform issues
// one long-lived API token instead of per-install OAuth grants.
type StaticToken string

func (t StaticToken) Token(ctx context.Context, installID string) (string, error) {
	return string(t), nil
}
