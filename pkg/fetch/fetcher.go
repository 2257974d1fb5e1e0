package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/astridyu/khinsider-scraper/pkg/metrics"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// maxPageBytes bounds a catalog page body; album pages with hundreds of tracks stay well below it
const maxPageBytes = 16 << 20

// Fetcher issues single GET attempts through the connection gate. Retries belong to the caller.
type Fetcher struct {
	client    *http.Client
	gate      *Gate
	userAgent string
	maxBody   int64
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, gate *Gate, userAgent string, m *metrics.Metrics, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client:    client,
		gate:      gate,
		userAgent: userAgent,
		maxBody:   maxPageBytes,
		metrics:   m,
		log:       log,
	}
}

// Get fetches a page and returns its whole body. The permit is released before the caller parses.
// A non-2xx response yields a *utils.HTTPStatusError; a body over the page limit yields ErrResponseBodyRead.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer f.gate.Release()

	resp, err := f.do(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: '%s': %w", utils.ErrResponseBodyRead, rawURL, err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("%w: '%s': body exceeds %d bytes", utils.ErrResponseBodyRead, rawURL, f.maxBody)
	}
	return body, nil
}

// Stream copies the body of rawURL into w using buf, holding a permit until the copy ends.
// It returns the number of bytes written.
func (f *Fetcher) Stream(ctx context.Context, rawURL string, w io.Writer, buf []byte) (int64, error) {
	if err := f.gate.Acquire(ctx); err != nil {
		return 0, err
	}
	defer f.gate.Release()

	resp, err := f.do(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.CopyBuffer(onlyWriter{w}, onlyReader{resp.Body}, buf)
	f.metrics.BytesDownloaded(n)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		return n, fmt.Errorf("%w: '%s' after %d bytes: %w", utils.ErrResponseBodyRead, rawURL, n, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("%w: '%s' short body: got %d of %d bytes", utils.ErrResponseBodyRead, rawURL, n, resp.ContentLength)
	}
	return n, nil
}

// do sends the request and turns non-2xx statuses into errors. On success the caller closes the body.
func (f *Fetcher) do(ctx context.Context, rawURL string) (*http.Response, error) {
	reqLog := f.log.WithField("url", rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s': %w", utils.ErrRequestCreation, rawURL, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.HTTPRequest(0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		reqLog.Debugf("Network error: %v", err)
		return nil, err
	}
	f.metrics.HTTPRequest(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		statusErr := &utils.HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode, Status: resp.Status}
		reqLog.WithField("status_code", resp.StatusCode).Debug("Non-2xx response")
		return nil, statusErr
	}
	reqLog.WithField("status_code", resp.StatusCode).Debug("Successfully fetched")
	return resp, nil
}

// onlyReader hides WriterTo/ReaderFrom so io.CopyBuffer really uses the fixed-size buffer
type onlyReader struct {
	io.Reader
}

type onlyWriter struct {
	io.Writer
}
