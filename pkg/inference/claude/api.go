package claude

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/go-go-golems/converse/pkg/inference"
)

const (
	defaultBaseURL    = "https://api.anthropic.com/v1/messages"
	defaultAPIVersion = "2023-06-01"
)

// request is the messages API payload.
type request struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	System      string         `json:"system,omitempty"`
	Messages    []paramMessage `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
}

type paramMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type response struct {
	Content []contentBlock `json:"content"`
	Usage   usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Client is a minimal Anthropic messages API client.
type Client struct {
	httpClient *http.Client
	apiKey     string
	APIVersion string
	BaseURL    string
}

func NewClient(apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{},
		apiKey:     apiKey,
		APIVersion: defaultAPIVersion,
		BaseURL:    defaultBaseURL,
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.APIVersion)
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) complete(req *request) (*response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	req_, err := http.NewRequest(http.MethodPost, c.BaseURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req_)

	resp, err := c.httpClient.Do(req_)
	if err != nil {
		return nil, inference.NewError(inference.KindTransient, "claude", err.Error(), err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp errorResponse
		if err := json.Unmarshal(respBody, &errorResp); err != nil || errorResp.Error.Message == "" {
			return nil, inference.NewError(
				kindForStatus(resp.StatusCode), "claude",
				errors.Errorf("claude API returned status %d", resp.StatusCode).Error(), nil)
		}
		return nil, inference.NewError(kindForStatus(resp.StatusCode), "claude", errorResp.Error.Message, nil)
	}

	var successResp response
	if err := json.Unmarshal(respBody, &successResp); err != nil {
		return nil, err
	}
	return &successResp, nil
}

func kindForStatus(status int) inference.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return inference.KindAuth
	case status == http.StatusTooManyRequests:
		return inference.KindRateLimited
	case status >= 500:
		return inference.KindTransient
	}
	return inference.KindUnknown
}
