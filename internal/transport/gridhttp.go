package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPGrid talks to a grid-style REST API exposing spreadsheet rows:
//
//	GET    {base}/rows/count          -> {"count": N}
//	GET    {base}/rows?from=F&to=T    -> {"rows": [[...], ...]}
//	POST   {base}/rows                <- {"rows": [[...], ...]}
//	PUT    {base}/rows/{idx}          <- {"row": [...]}
//
// HTTP errors are classified the same way as relay errors, so a 429
// surfaces as ErrThrottled and feeds the sheet transport's rate-limit
// retry.
type HTTPGrid struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPGrid creates a grid client. token may be empty; a nil
// httpClient gets a default with a bounded timeout.
func NewHTTPGrid(baseURL, token string, httpClient *http.Client) *HTTPGrid {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &HTTPGrid{baseURL: baseURL, token: token, httpClient: httpClient}
}

type gridCountResponse struct {
	Count int `json:"count"`
}

type gridRowsResponse struct {
	Rows [][]string `json:"rows"`
}

type gridAppendRequest struct {
	Rows [][]string `json:"rows"`
}

type gridUpdateRequest struct {
	Row []string `json:"row"`
}

func (g *HTTPGrid) RowCount(ctx context.Context) (int, error) {
	var resp gridCountResponse
	if err := g.do(ctx, http.MethodGet, "/rows/count", nil, &resp); err != nil {
		return 0, err
	}

	return resp.Count, nil
}

func (g *HTTPGrid) ReadRows(ctx context.Context, from, to int) ([][]string, error) {
	var resp gridRowsResponse

	path := fmt.Sprintf("/rows?from=%d&to=%d", from, to)
	if err := g.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	return resp.Rows, nil
}

func (g *HTTPGrid) AppendRows(ctx context.Context, rows [][]string) error {
	return g.do(ctx, http.MethodPost, "/rows", gridAppendRequest{Rows: rows}, nil)
}

func (g *HTTPGrid) UpdateRow(ctx context.Context, idx int, row []string) error {
	return g.do(ctx, http.MethodPut, fmt.Sprintf("/rows/%d", idx), gridUpdateRequest{Row: row}, nil)
}

func (g *HTTPGrid) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader

	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("transport: encoding grid request: %w", err)
		}

		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("transport: creating grid request: %w", err)
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		msg, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			msg = []byte("(failed to read response body)")
		}

		return &RelayError{StatusCode: resp.StatusCode, Message: string(msg), Err: sentinel}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
	}

	return nil
}
