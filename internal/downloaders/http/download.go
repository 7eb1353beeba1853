package partdlhttp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tanq16/partdl/internal/utils"
)

// OpenRange issues the GET for r. The caller validates status and
// Content-Range and must close the body.
func (s *Source) OpenRange(ctx context.Context, r utils.Range) (*utils.RangeBody, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	if !r.Whole {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Start, r.End))
	}
	// Compressed transfer would change the byte count of a segment.
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Connection", "keep-alive")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	return &utils.RangeBody{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		ContentRange:  resp.Header.Get("Content-Range"),
		ContentLength: resp.ContentLength,
	}, nil
}
