package wellknown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elnormous/contenttype"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// ErrNotJSON is returned for responses that do not declare a JSON body.
var ErrNotJSON = errors.New("wellknown: response is not application/json")

// maxDocumentSize bounds metadata and token responses.
const maxDocumentSize = 1 << 20

// Fetch GETs a metadata document and decodes it into v.
func Fetch(ctx context.Context, client *http.Client, url string, v any) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))
		return fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return DecodeJSON(resp, v)
}

// DecodeJSON checks resp's Content-Type and decodes its body into v.
func DecodeJSON(resp *http.Response, v any) error {
	ctype := contenttype.NewMediaType(resp.Header.Get("Content-Type"))
	if !ctype.Matches(jsonMediaType) {
		return fmt.Errorf("%w: %q", ErrNotJSON, resp.Header.Get("Content-Type"))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}
