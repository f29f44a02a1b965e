// Package sheets reads recipients from Google Sheets through the v4 REST API.
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"mailsched/internal/recipients"
)

const Scope = "https://www.googleapis.com/auth/spreadsheets"

// StatusError is a non-2xx answer from the Sheets API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	switch e.Code {
	case http.StatusNotFound:
		return "sheet not found"
	case http.StatusForbidden:
		return "no permission to access sheet"
	}
	return fmt.Sprintf("sheets api status %d: %s", e.Code, e.Body)
}

type Client struct {
	HTTP         *http.Client
	BaseURL      string
	StatusColumn string
	// Locker, when set, serializes MarkSent per spreadsheet.
	Locker recipients.Locker
}

// NewServiceAccountClient builds a client authenticated with a service
// account key file.
func NewServiceAccountClient(ctx context.Context, credentialsFile, baseURL string) (*Client, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, Scope)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}
	return &Client{
		HTTP:         oauth2.NewClient(ctx, creds.TokenSource),
		BaseURL:      baseURL,
		StatusColumn: recipients.DefaultStatusColumn,
	}, nil
}

type valueRange struct {
	Range  string     `json:"range,omitempty"`
	Values [][]string `json:"values"`
}

func (c *Client) statusColumn() string {
	if c.StatusColumn == "" {
		return recipients.DefaultStatusColumn
	}
	return c.StatusColumn
}

func (c *Client) ReadRecipients(ctx context.Context, sheetID, rng string) ([]recipients.Recipient, error) {
	if rng == "" {
		rng = "A:Z"
	}
	rows, err := c.values(ctx, sheetID, rng)
	if err != nil {
		return nil, err
	}
	return recipients.Parse(rows, c.statusColumn())
}

// MarkSent sets the status cell of each row to "Sent", adding the status
// column to the header row when it is missing.
func (c *Client) MarkSent(ctx context.Context, sheetID string, rows []int) error {
	if len(rows) == 0 {
		return nil
	}
	if c.Locker != nil {
		unlock, err := c.Locker.Lock(ctx, "sheets:"+sheetID)
		if err != nil {
			return err
		}
		defer unlock()
	}

	header, err := c.values(ctx, sheetID, "1:1")
	if err != nil {
		return err
	}
	var cols []string
	if len(header) > 0 {
		cols = header[0]
	}
	idx := recipients.StatusColumnIndex(cols, c.statusColumn())
	if idx < 0 {
		idx = len(cols)
		cell := recipients.ColumnName(idx) + "1"
		if err := c.update(ctx, sheetID, cell, c.statusColumn()); err != nil {
			return err
		}
	}

	col := recipients.ColumnName(idx)
	sorted := append([]int(nil), rows...)
	sort.Ints(sorted)
	data := make([]valueRange, 0, len(sorted))
	for _, r := range sorted {
		data = append(data, valueRange{Range: fmt.Sprintf("%s%d", col, r), Values: [][]string{{recipients.SentValue}}})
	}
	body := map[string]any{"valueInputOption": "RAW", "data": data}
	return c.do(ctx, http.MethodPost, c.url(sheetID, "values:batchUpdate", nil), body, nil)
}

func (c *Client) values(ctx context.Context, sheetID, rng string) ([][]string, error) {
	var out valueRange
	if err := c.do(ctx, http.MethodGet, c.url(sheetID, "values/"+url.PathEscape(rng), nil), nil, &out); err != nil {
		return nil, err
	}
	return out.Values, nil
}

func (c *Client) update(ctx context.Context, sheetID, cell, value string) error {
	q := url.Values{"valueInputOption": {"RAW"}}
	body := valueRange{Values: [][]string{{value}}}
	return c.do(ctx, http.MethodPut, c.url(sheetID, "values/"+url.PathEscape(cell), q), body, nil)
}

func (c *Client) url(sheetID, suffix string, q url.Values) string {
	u := c.BaseURL + "/v4/spreadsheets/" + url.PathEscape(sheetID) + "/" + suffix
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
