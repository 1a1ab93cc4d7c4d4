package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"

	"github.com/stagecraft/trafficcore/pkg/log"
	"github.com/stagecraft/trafficcore/pkg/types"
)

// HTTP is the single constructed outbound client. All collaborator calls go
// through it so transport pooling, auth, and error classification live in
// one place.
type HTTP struct {
	client *http.Client
	tokens TokenSource
	logger zerolog.Logger
}

// NewHTTP builds the shared outbound client. Deadlines come from the
// caller's context, not a client-wide timeout.
func NewHTTP(tokens TokenSource) *HTTP {
	return &HTTP{
		client: &http.Client{Transport: cleanhttp.DefaultPooledTransport()},
		tokens: tokens,
		logger: log.WithComponent("client"),
	}
}

func (c *HTTP) do(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return types.WrapError(types.KindInternal, "client", "do", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return types.WrapError(types.KindInternal, "client", "do", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return types.WrapError(types.KindUnreachable, "client", "token", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return types.WrapError(types.KindUnreachable, "client", method+" "+url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return types.NewError(types.KindNotFound, "client", method+" "+url, "not found")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.NewError(types.KindUnreachable, "client", method+" "+url,
			"unexpected status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return types.WrapError(types.KindUnreachable, "client", method+" "+url, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return nil
}

// PostJSON issues a POST with a JSON body; out may be nil
func (c *HTTP) PostJSON(ctx context.Context, url string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, url, body, out)
}

// GetJSON issues a GET and decodes the JSON response. GETs are idempotent,
// so one retry is applied after a network failure.
func (c *HTTP) GetJSON(ctx context.Context, url string, out interface{}) error {
	err := c.do(ctx, http.MethodGet, url, nil, out)
	if err != nil && types.IsKind(err, types.KindUnreachable) && ctx.Err() == nil {
		c.logger.Debug().Err(err).Str("url", url).Msg("retrying idempotent GET")
		err = c.do(ctx, http.MethodGet, url, nil, out)
	}
	return err
}

// baseURL turns a stored worker address into a callable base URL
func baseURL(workerURL string) string {
	return fmt.Sprintf("http://%s", workerURL)
}
