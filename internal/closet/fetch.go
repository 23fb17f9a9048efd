package closet

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
)

// contentRangePattern matches "bytes <start>-<end>/<total|*>" exactly.
var contentRangePattern = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+|\*)$`)

type contentRange struct {
	start int64
	end   int64
	total int64 // -1 when the server reported "*"
}

// parseContentRange parses a Content-Range header. Anything that is not
// exactly "bytes <start>-<end>/<total|*>" is rejected.
func parseContentRange(header string) (contentRange, error) {
	m := contentRangePattern.FindStringSubmatch(header)
	if m == nil {
		return contentRange{}, fmt.Errorf("malformed Content-Range %q: %w", header, ErrIntegrity)
	}

	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return contentRange{}, fmt.Errorf("content-range start %q: %w", m[1], ErrIntegrity)
	}
	end, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return contentRange{}, fmt.Errorf("content-range end %q: %w", m[2], ErrIntegrity)
	}
	if end < start {
		return contentRange{}, fmt.Errorf("content-range %q ends before it starts: %w", header, ErrIntegrity)
	}

	total := int64(-1)
	if m[3] != "*" {
		total, err = strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			return contentRange{}, fmt.Errorf("content-range total %q: %w", m[3], ErrIntegrity)
		}
	}

	return contentRange{start: start, end: end, total: total}, nil
}

// FetchRange pulls bytes [start, end] out of a remote packed container with
// an HTTP Range request. Validation is strict and fails loudly: anything but
// a 206 with an exact, matching Content-Range and a body of exactly
// end-start+1 bytes is an integrity error. A 200 carrying the whole object
// is NOT silently accepted as the right slice; an unvalidated partial
// response would corrupt the cache with no detectable symptom until later.
func FetchRange(ctx context.Context, client *http.Client, url string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid range %d-%d: %w", start, end, ErrIntegrity)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range fetch %s: %v: %w", url, err, ErrTransport)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("range fetch %s: status %d, range not honored: %w", url, resp.StatusCode, ErrIntegrity)
	}

	header := resp.Header.Get("Content-Range")
	if header == "" {
		return nil, fmt.Errorf("range fetch %s: missing Content-Range: %w", url, ErrIntegrity)
	}
	cr, err := parseContentRange(header)
	if err != nil {
		return nil, fmt.Errorf("range fetch %s: %w", url, err)
	}
	if cr.start != start || cr.end != end {
		return nil, fmt.Errorf("range fetch %s: requested %d-%d, server answered %d-%d: %w",
			url, start, end, cr.start, cr.end, ErrIntegrity)
	}

	want := end - start + 1
	body, err := io.ReadAll(io.LimitReader(resp.Body, want+1))
	if err != nil {
		return nil, fmt.Errorf("range fetch %s: read body: %v: %w", url, err, ErrTransport)
	}
	if int64(len(body)) != want {
		return nil, fmt.Errorf("range fetch %s: body is %d bytes, want exactly %d: %w",
			url, len(body), want, ErrIntegrity)
	}

	return body, nil
}
