package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultRESTTimeout bounds one-shot REST calls.
const DefaultRESTTimeout = 10 * time.Second

const apiRunningMessage = "API running."

// restClient performs one-shot calls against the hub REST API.
type restClient struct {
	client *resty.Client
}

func newRESTClient(timeout time.Duration) *restClient {
	if timeout == 0 {
		timeout = DefaultRESTTimeout
	}
	return &restClient{
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
	}
}

// do issues a request and decodes a JSON body into out when out is non-nil.
// An empty body is not an error.
func (c *restClient) do(ctx context.Context, method, baseURL, token, path string, query url.Values, body, out any) ([]byte, error) {
	req := c.client.R().
		SetContext(ctx).
		SetAuthToken(token)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, baseURL+path)
	if err != nil {
		return nil, fmt.Errorf("hub request %s %s: %w", method, path, err)
	}

	if resp.IsError() {
		if resp.StatusCode() == http.StatusNotFound {
			return nil, ErrEntityNotFound
		}
		return nil, &StatusError{StatusCode: resp.StatusCode(), Status: resp.Status()}
	}

	raw := resp.Body()
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("hub response %s %s: %w", method, path, err)
		}
	}

	return raw, nil
}
