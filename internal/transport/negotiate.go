package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxNegotiateRedirects = 100

type availableTransport struct {
	Transport       TransportType `json:"transport"`
	TransferFormats []string      `json:"transferFormats"`
}

type negotiateResponse struct {
	ConnectionID        string               `json:"connectionId"`
	ConnectionToken     string               `json:"connectionToken"`
	NegotiateVersion    int                  `json:"negotiateVersion"`
	AvailableTransports []availableTransport `json:"availableTransports"`
	URL                 string               `json:"url"`
	AccessToken         string               `json:"accessToken"`
	Error               string               `json:"error"`
}

// token is the value sent as the id query parameter.
func (n *negotiateResponse) token() string {
	if n.NegotiateVersion >= 1 && n.ConnectionToken != "" {
		return n.ConnectionToken
	}
	return n.ConnectionID
}

func (n *negotiateResponse) offers(t TransportType) bool {
	for _, at := range n.AvailableTransports {
		if at.Transport != t {
			continue
		}
		for _, f := range at.TransferFormats {
			if f == "Text" {
				return true
			}
		}
	}
	return false
}

// endpoint is where a transport should connect after negotiation.
type endpoint struct {
	url    string
	header http.Header
	neg    *negotiateResponse
}

// negotiate follows redirects until the server hands out a connection.
func (c *HubConnection) negotiate(ctx context.Context) (*endpoint, error) {
	target := c.url
	header := c.opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	for i := 0; i < maxNegotiateRedirects; i++ {
		neg, err := c.negotiateOnce(ctx, target, header)
		if err != nil {
			return nil, err
		}
		if neg.Error != "" {
			return nil, fmt.Errorf("negotiate: server error: %s", neg.Error)
		}
		if neg.URL == "" {
			return &endpoint{url: target, header: header, neg: neg}, nil
		}

		target = neg.URL
		if neg.AccessToken != "" {
			header.Set("Authorization", "Bearer "+neg.AccessToken)
		}
	}

	return nil, fmt.Errorf("negotiate: more than %d redirects", maxNegotiateRedirects)
}

func (c *HubConnection) negotiateOnce(ctx context.Context, target string, header http.Header) (*negotiateResponse, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("negotiate: invalid hub url %q: %w", target, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("negotiate: unexpected status %d", resp.StatusCode)
	}

	var neg negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&neg); err != nil {
		return nil, fmt.Errorf("negotiate: decode response: %w", err)
	}
	return &neg, nil
}

// withID appends the connection token to a transport url.
func withID(target, token string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if token != "" {
		q := u.Query()
		q.Set("id", token)
		u.RawQuery = q.Encode()
	}
	return u, nil
}
