package transfer

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ProbeResult describes what a server will let us do with a URL
type ProbeResult struct {
	FinalURL     string `json:"final_url"`
	Size         int64  `json:"size"`
	AcceptRanges bool   `json:"accept_ranges"`
}

// Probe resolves redirects and checks range support with HEAD, falling back to
// a one-byte range GET when HEAD omits range metadata. Any failure or ambiguity
// answers {url, 0, false} so the caller streams the whole body instead.
func (c *Client) Probe(ctx context.Context, urlStr string, h Headers) ProbeResult {
	no := ProbeResult{FinalURL: urlStr}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodHead, urlStr, h)
	if err != nil {
		return no
	}
	resp, err := c.do(req)
	if err != nil {
		c.logger.Debug("Probe HEAD failed", "url", urlStr, "error", err)
		return no
	}
	resp.Body.Close()

	finalURL := resp.Request.URL.String()
	if resp.StatusCode < 400 {
		acceptRanges := strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")
		if acceptRanges && resp.ContentLength > 0 {
			return ProbeResult{FinalURL: finalURL, Size: resp.ContentLength, AcceptRanges: true}
		}
	}

	// Some hosts don't expose Accept-Ranges on HEAD; probe with a tiny Range GET
	req, err = c.newRequest(ctx, http.MethodGet, finalURL, h)
	if err != nil {
		return no
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err = c.do(req)
	if err != nil {
		c.logger.Debug("Probe range GET failed", "url", finalURL, "error", err)
		return no
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

	if resp.StatusCode != http.StatusPartialContent {
		return no
	}
	size, ok := parseContentRangeTotal(resp.Header.Get("Content-Range"))
	if !ok {
		return no
	}
	return ProbeResult{FinalURL: resp.Request.URL.String(), Size: size, AcceptRanges: true}
}

// parseContentRangeTotal extracts N from "bytes 0-0/N". An unknown total ("*") is not ok.
func parseContentRangeTotal(cr string) (int64, bool) {
	_, total, found := strings.Cut(cr, "/")
	if !found {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
