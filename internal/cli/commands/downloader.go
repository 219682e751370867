package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/bbockelm/cvmfs/internal/external"
)

// httpDownloader implements external.Downloader over net/http, the
// engine CVMFS_TIMEOUT_DIRECT/CVMFS_HTTP_PROXY (spec §6)
// configure.
type httpDownloader struct {
	client *http.Client
	proxy  string
}

var _ external.Downloader = (*httpDownloader)(nil)

func newHTTPDownloader(timeoutSeconds int, proxyURL string) (*httpDownloader, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" && proxyURL != "DIRECT" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("httpDownloader: invalid proxy URL %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &httpDownloader{
		client: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(timeoutSeconds) * time.Second,
		},
		proxy: proxyURL,
	}, nil
}

func (d *httpDownloader) Download(ctx context.Context, rawURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("httpDownloader: build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpDownloader: %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpDownloader: %s: unexpected status %s", rawURL, resp.Status)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("httpDownloader: create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("httpDownloader: write %s: %w", destPath, err)
	}
	return nil
}
