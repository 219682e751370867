package catalogmgr

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// retryOptions builds a backoff policy from the manager's configured
// MaxRetries/BackoffInitMs/BackoffMaxMs, in the style of
// latentfs/internal/util.DefaultRetryOptions.
func (m *Manager) retryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(uint(m.cfg.MaxRetries)),
		retry.Delay(time.Duration(m.cfg.BackoffInitMs) * time.Millisecond),
		retry.MaxDelay(time.Duration(m.cfg.BackoffMaxMs) * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	}
}

// downloadManifest retries a transient manifest-download failure before
// giving up (spec §7's manifest fetch is "best effort, never blocks
// reads" — the retries happen before that fallback kicks in).
func (m *Manager) downloadManifest(ctx context.Context, url, dest string) error {
	return retry.Do(func() error {
		return m.cfg.Downloader.Download(ctx, url, dest)
	}, m.retryOptions(ctx)...)
}

// fetchCatalog retries a transient catalog-fetch failure, covering both
// the root attach path and nested-catalog attach path.
func (m *Manager) fetchCatalog(ctx context.Context, contentHash string) (string, error) {
	return retry.DoWithData(func() (string, error) {
		return m.cfg.Fetcher.FetchCatalog(ctx, contentHash)
	}, m.retryOptions(ctx)...)
}
