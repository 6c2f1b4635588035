// Package persist is the client for the persistence service, the durable
// storage path for spreadsheet cells. Broadcasts over the replication
// channel are advisory; writes issued here are the source of truth.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Michael-24-wall/gridsync/internal/grid"
)

var ErrPersist = errors.New("persist failed")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrPersist
}

type Spreadsheet struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Sheets        []Sheet        `json:"sheets"`
	Collaborators []Collaborator `json:"collaborators,omitempty"`
}

type Sheet struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	SpreadsheetID string `json:"spreadsheetId"`
}

type Collaborator struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

type CellCreate struct {
	SheetID string            `json:"sheet"`
	Row     int               `json:"row"`
	Column  int               `json:"column"`
	Value   string            `json:"value"`
	Formula string            `json:"formula,omitempty"`
	Style   map[string]string `json:"style,omitempty"`
}

type CellPatch struct {
	Value   *string           `json:"value,omitempty"`
	Formula *string           `json:"formula,omitempty"`
	Style   map[string]string `json:"style,omitempty"`
}

// Service is the persistence surface the engine depends on. Client
// implements it over REST; tests substitute fakes.
type Service interface {
	GetSpreadsheet(ctx context.Context, spreadsheetID string) (Spreadsheet, error)
	GetSheet(ctx context.Context, sheetID string) ([]grid.Cell, error)
	CreateCell(ctx context.Context, req CellCreate) (grid.Cell, error)
	UpdateCell(ctx context.Context, serverID string, req CellPatch) (grid.Cell, error)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// CreateSpreadsheet registers a new spreadsheet. It is not part of
// Service; the sync engine only reads existing spreadsheets.
func (c *Client) CreateSpreadsheet(ctx context.Context, title string) (Spreadsheet, error) {
	var out Spreadsheet
	err := c.doJSON(ctx, http.MethodPost, "/v1/spreadsheets", map[string]string{"title": title}, &out)
	return out, err
}

func (c *Client) GetSpreadsheet(ctx context.Context, spreadsheetID string) (Spreadsheet, error) {
	var out Spreadsheet
	err := c.doJSON(ctx, http.MethodGet, "/v1/spreadsheets/"+url.PathEscape(spreadsheetID), nil, &out)
	return out, err
}

func (c *Client) GetSheet(ctx context.Context, sheetID string) ([]grid.Cell, error) {
	var out struct {
		Cells []grid.Cell `json:"cells"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/sheets/"+url.PathEscape(sheetID)+"/cells", nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Cells, nil
}

func (c *Client) CreateCell(ctx context.Context, req CellCreate) (grid.Cell, error) {
	var out grid.Cell
	err := c.doJSON(ctx, http.MethodPost, "/v1/cells", req, &out)
	return out, err
}

func (c *Client) UpdateCell(ctx context.Context, serverID string, req CellPatch) (grid.Cell, error) {
	var out grid.Cell
	err := c.doJSON(ctx, http.MethodPatch, "/v1/cells/"+url.PathEscape(serverID), req, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", "grid_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
