// Package httpjson provides JSON-over-HTTP client plumbing
// shared by the github and api packages.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/xerrors"
)

// StatusError is a non-2xx HTTP response status.
// Callers can compare against a specific status,
// e.g. err == httpjson.StatusError(404).
type StatusError int

func (e StatusError) Error() string {
	return "unexpected http status " + strconv.Itoa(int(e)) + " " + http.StatusText(int(e))
}

// Read decodes a single JSON text from r into v.
// The only error it returns is ErrBadResponse
// (wrapped with the original error message as context).
func Read(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	err := dec.Decode(v)
	if err != nil {
		return xerrors.Errorf("bad response: %w", err)
	}
	return err
}

// Client issues JSON requests against a base URL,
// attaching a fixed set of header fields to every request.
type Client struct {
	BaseURL string
	Header  http.Header
	HTTP    *http.Client
}

// Getf sends a GET request for the path formed by
// fmt.Sprintf(format, args...) and decodes the JSON
// response into out, if out is non-nil.
func (c *Client) Getf(ctx context.Context, out interface{}, format string, args ...interface{}) error {
	return c.Do(ctx, "GET", fmt.Sprintf(format, args...), nil, out)
}

// Postf sends in as a JSON request body in a POST request
// for the formatted path and decodes the JSON response
// into out, if out is non-nil.
func (c *Client) Postf(ctx context.Context, in, out interface{}, format string, args ...interface{}) error {
	return c.Do(ctx, "POST", fmt.Sprintf(format, args...), in, out)
}

// Patchf is Postf with the PATCH method.
func (c *Client) Patchf(ctx context.Context, in, out interface{}, format string, args ...interface{}) error {
	return c.Do(ctx, "PATCH", fmt.Sprintf(format, args...), in, out)
}

// Deletef sends a DELETE request for the formatted path.
func (c *Client) Deletef(ctx context.Context, format string, args ...interface{}) error {
	return c.Do(ctx, "DELETE", fmt.Sprintf(format, args...), nil, nil)
}

// Do sends one JSON request. A path beginning with
// "http" is used verbatim; anything else is appended
// to the client's base URL. A non-2xx response status
// is returned as StatusError.
func (c *Client) Do(ctx context.Context, method, path string, in, out interface{}) error {
	url := path
	if len(path) < 4 || path[:4] != "http" {
		url = c.BaseURL + path
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return xerrors.Errorf("encoding %s %s body: %w", method, url, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return xerrors.Errorf("building %s %s: %w", method, url, err)
	}
	for k, vs := range c.Header {
		req.Header[k] = vs
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return xerrors.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return StatusError(resp.StatusCode)
	}
	if out != nil {
		return Read(resp.Body, out)
	}
	return nil
}
