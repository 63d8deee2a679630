package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"skillflow/pkg/models"
)

// HTTPSkillRegistry is an HTTP implementation of the SkillRegistry and
// Compensator interfaces.
type HTTPSkillRegistry struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSkillRegistry creates a new HTTPSkillRegistry. timeout bounds each
// request; zero leaves it to the caller's context.
func NewHTTPSkillRegistry(baseURL string, timeout time.Duration) *HTTPSkillRegistry {
	return &HTTPSkillRegistry{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type skillRequest struct {
	Inputs  map[string]any `json:"inputs,omitempty"`
	Result  any            `json:"result,omitempty"`
	AgentID string         `json:"agent_id"`
}

// ExecuteSkill posts to {base}/skills/{skill_id}/execute.
func (c *HTTPSkillRegistry) ExecuteSkill(ctx context.Context, skillID string, inputs map[string]any, agentID string) (models.SkillResult, error) {
	var result models.SkillResult
	status, err := c.post(ctx, skillID, "execute", skillRequest{Inputs: inputs, AgentID: agentID}, &result)
	if err != nil {
		return models.SkillResult{}, err
	}
	if status >= 500 {
		return models.SkillResult{}, fmt.Errorf("skill registry returned status code %d", status)
	}
	if status >= 400 && result.Error == "" {
		result.Error = fmt.Sprintf("skill registry returned status code %d", status)
	}
	if status >= 400 {
		result.Success = false
	}
	return result, nil
}

// Compensate posts to {base}/skills/{skill_id}/compensate.
func (c *HTTPSkillRegistry) Compensate(ctx context.Context, skillID string, result any, agentID string) error {
	var out models.SkillResult
	status, err := c.post(ctx, skillID, "compensate", skillRequest{Result: result, AgentID: agentID}, &out)
	if err != nil {
		return err
	}
	if status >= 400 || !out.Success {
		if out.Error != "" {
			return fmt.Errorf("compensation of %s failed: %s", skillID, out.Error)
		}
		return fmt.Errorf("compensation of %s failed: status code %d", skillID, status)
	}
	return nil
}

func (c *HTTPSkillRegistry) post(ctx context.Context, skillID, action string, body skillRequest, out *models.SkillResult) (int, error) {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/skills/%s/%s", c.baseURL, url.PathEscape(skillID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		if resp.StatusCode >= 400 {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, fmt.Errorf("failed to decode response body: %w", err)
	}
	return resp.StatusCode, nil
}
