package partdlhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/utils"
)

type HTTPDownloader struct{}

func (d *HTTPDownloader) ValidateJob(job *utils.PartdlJob) error {
	parsedURL, err := url.Parse(job.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", parsedURL.Scheme)
	}
	return nil
}

func (d *HTTPDownloader) BuildJob(ctx context.Context, job *utils.PartdlJob) (utils.Source, error) {
	job.HTTPClientConfig.HighThreadMode = job.Connections > utils.HighThreadThreshold
	client := utils.NewPartdlHTTPClient(job.HTTPClientConfig)
	return NewSource(job.URL, client), nil
}

// Source serves a plain HTTP(S) URL.
type Source struct {
	url    string
	client utils.HTTPDoer
}

func NewSource(link string, client utils.HTTPDoer) *Source {
	return &Source{url: link, client: client}
}

// Resolve probes the URL with HEAD and falls back to a one-byte ranged GET
// when the server rejects HEAD or omits the size.
func (s *Source) Resolve(ctx context.Context) (utils.RemoteObject, error) {
	obj, err := s.head(ctx)
	if err == nil {
		return obj, nil
	}
	log.Debug().Str("op", "http/initial").Msgf("HEAD probe failed (%v), trying ranged GET", err)
	obj, gerr := s.probe(ctx)
	if gerr != nil {
		return utils.RemoteObject{}, &utils.MetadataError{ID: s.url, Err: errors.Join(err, gerr)}
	}
	return obj, nil
}

func (s *Source) head(ctx context.Context) (utils.RemoteObject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return utils.RemoteObject{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := s.client.Do(req)
	if err != nil {
		return utils.RemoteObject{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return utils.RemoteObject{}, fmt.Errorf("URL not found (404)")
	}
	if resp.StatusCode >= 400 {
		return utils.RemoteObject{}, fmt.Errorf("server returned error: %d", resp.StatusCode)
	}
	contentLength := resp.Header.Get("Content-Length")
	if contentLength == "" {
		return utils.RemoteObject{}, errors.New("server didn't provide Content-Length header")
	}
	size, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil || size < 0 {
		return utils.RemoteObject{}, fmt.Errorf("invalid Content-Length %q", contentLength)
	}
	return s.object(resp, size, resp.Header.Get("Accept-Ranges") == "bytes"), nil
}

func (s *Source) probe(ctx context.Context) (utils.RemoteObject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return utils.RemoteObject{}, err
	}
	req.Header.Set("Range", "bytes=0-0")
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := s.client.Do(req)
	if err != nil {
		return utils.RemoteObject{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusPartialContent:
		size, err := totalFromContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return utils.RemoteObject{}, err
		}
		return s.object(resp, size, true), nil
	case http.StatusOK:
		if resp.ContentLength < 0 {
			return utils.RemoteObject{}, errors.New("server didn't provide Content-Length header")
		}
		return s.object(resp, resp.ContentLength, false), nil
	default:
		return utils.RemoteObject{}, fmt.Errorf("server returned error: %d", resp.StatusCode)
	}
}

func (s *Source) object(resp *http.Response, size int64, ranges bool) utils.RemoteObject {
	id := s.url
	if resp.Request != nil && resp.Request.URL != nil {
		id = resp.Request.URL.String()
	}
	name := fileNameFromHeader(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = utils.NameFromURL(id)
	}
	version := resp.Header.Get("ETag")
	if version == "" {
		version = resp.Header.Get("Last-Modified")
	}
	obj := utils.RemoteObject{
		ID:            id,
		Name:          name,
		TotalSize:     size,
		AcceptsRanges: ranges,
		ETag:          version,
	}
	log.Debug().Str("op", "http/initial").Msgf("resolved %s: %d bytes, ranges=%t", obj.Name, obj.TotalSize, obj.AcceptsRanges)
	return obj
}
