package transfer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// maxPlaylistDepth bounds master -> variant hops
const maxPlaylistDepth = 3

// SegmentSet is the ordered list of media segment URLs of one playlist
type SegmentSet struct {
	PlaylistURL string
	URLs        []string
}

// ParsePlaylist splits an M3U8 body into media segments and variant playlists, resolving
// relative URIs against base. A master playlist yields variants and no segments.
func ParsePlaylist(content []byte, base *url.URL) (segments, variants []string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	expectVariant := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "#EXT-X-STREAM-INF") {
				expectVariant = true
			}
			continue
		}

		resolved, err := resolveURL(base, line)
		if err != nil {
			return nil, nil, fmt.Errorf("error resolving URL %q: %w", line, err)
		}
		if expectVariant {
			variants = append(variants, resolved)
			expectVariant = false
		} else {
			segments = append(segments, resolved)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("error scanning m3u8 content: %w", err)
	}
	return segments, variants, nil
}

func resolveURL(base *url.URL, ref string) (string, error) {
	rel, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if rel.IsAbs() || base == nil {
		return rel.String(), nil
	}
	return base.ResolveReference(rel).String(), nil
}

// fetchSegmentSet loads src and follows the first variant of a master playlist
func (e *Engine) fetchSegmentSet(ctx context.Context, src string, h Headers) (SegmentSet, error) {
	current := src
	for depth := 0; depth < maxPlaylistDepth; depth++ {
		body, final, err := e.fetchPlaylist(ctx, current, h)
		if err != nil {
			return SegmentSet{}, err
		}
		segments, variants, err := ParsePlaylist(body, final)
		if err != nil {
			return SegmentSet{}, err
		}
		if len(segments) > 0 {
			return SegmentSet{PlaylistURL: final.String(), URLs: segments}, nil
		}
		if len(variants) == 0 {
			return SegmentSet{}, ErrNoSegments
		}
		e.logger.Debug("Master playlist, following first variant", "variant", variants[0], "variants", len(variants))
		current = variants[0]
	}
	return SegmentSet{}, ErrNoSegments
}

func (e *Engine) fetchPlaylist(ctx context.Context, src string, h Headers) ([]byte, *url.URL, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	guard := newIdleGuard(e.idleTimeout, cancel)
	defer guard.stop()

	req, err := e.client.newRequest(ctx, http.MethodGet, src, h)
	if err != nil {
		return nil, nil, err
	}
	resp, err := e.client.do(req)
	if err != nil {
		return nil, nil, guard.wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, statusError(resp)
	}

	guard.touch()

	var buf bytes.Buffer
	if _, err := e.client.copyChunks(ctx, resp.Body, guard, func(b []byte) error {
		_, werr := buf.Write(b)
		return werr
	}); err != nil {
		return nil, nil, fmt.Errorf("error reading playlist: %w", err)
	}
	return buf.Bytes(), resp.Request.URL, nil
}
