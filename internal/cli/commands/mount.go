package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bbockelm/cvmfs/internal/cachelayout"
	"github.com/bbockelm/cvmfs/internal/catalogfetch"
	"github.com/bbockelm/cvmfs/internal/catalogmgr"
	"github.com/bbockelm/cvmfs/internal/chash"
	"github.com/bbockelm/cvmfs/internal/chunked"
	"github.com/bbockelm/cvmfs/internal/config"
	"github.com/bbockelm/cvmfs/internal/fence"
	"github.com/bbockelm/cvmfs/internal/fsops"
	"github.com/bbockelm/cvmfs/internal/hotreload"
	"github.com/bbockelm/cvmfs/internal/inodetracker"
	"github.com/bbockelm/cvmfs/internal/metacache"
	"github.com/bbockelm/cvmfs/internal/tieredcache"
)

var mountConfigPath string

var mountCmd = &cobra.Command{
	Use:   "mount <fqrn> <mountpoint>",
	Short: "Mount a repository's catalog tree at mountpoint",
	Args:  cobra.ExactArgs(2),
	RunE:  runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().StringVarP(&mountConfigPath, "config", "c", "", "path to a CVMFS_*-style key=value config file")
}

func runMount(cmd *cobra.Command, args []string) error {
	fqrn, mountpoint := args[0], args[1]

	cfg, err := config.Load(fqrn, mountConfigPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logrus.NewEntry(logrus.StandardLogger()).WithField("fqrn", fqrn)

	layout := cachelayout.New(cfg.CacheBase, fqrn)
	if err := layout.EnsureDirs(cfg.NFSSource); err != nil {
		return fmt.Errorf("preparing cache directory: %w", err)
	}
	if err := layout.WriteCvmfscacheMarker(); err != nil {
		return fmt.Errorf("writing cache marker: %w", err)
	}
	if layout.WasUncleanShutdown() {
		logger.Warn("found a stale running-marker from a previous mount; proceeding with a fresh catalog load")
	}

	lock, locked, err := layout.Lock()
	if err != nil {
		return fmt.Errorf("acquiring cache lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("repository %s is already mounted against cache directory %s", fqrn, cfg.CacheBase)
	}
	defer lock.Unlock()

	if err := layout.MarkRunning(); err != nil {
		return fmt.Errorf("writing running marker: %w", err)
	}
	defer layout.MarkStopped()

	ctx := context.Background()

	s3Client, err := newS3Client(ctx, cfg)
	if err != nil {
		return fmt.Errorf("configuring lower-tier S3 client: %w", err)
	}

	upper, err := tieredcache.OpenUpper(tieredcache.UpperConfig{BaseDir: layout.ObjectsDir()})
	if err != nil {
		return fmt.Errorf("opening upper cache tier: %w", err)
	}
	defer upper.Close()

	lower := tieredcache.NewLower(tieredcache.LowerConfig{
		Client:    s3Client,
		Bucket:    cfg.LowerBucket,
		KeyPrefix: cfg.LowerKeyPrefix,
		ReadOnly:  cfg.LowerReadOnly,
	})

	cache := tieredcache.New(upper, lower, logger)

	downloader, err := newHTTPDownloader(cfg.TimeoutDirect, cfg.HTTPProxy)
	if err != nil {
		return fmt.Errorf("configuring downloader: %w", err)
	}

	verifier, err := newManifestVerifier(cfg.PublicKey)
	if err != nil {
		return fmt.Errorf("configuring manifest verifier: %w", err)
	}

	fetcher := &catalogfetch.Fetcher{
		Cache:      cache,
		Downloader: downloader,
		ServerURL:  cfg.ResolveServerURL(),
		Algo:       chash.SHA1,
	}

	mgr := catalogmgr.New(catalogmgr.Config{
		Downloader:        downloader,
		SignatureVerifier: verifier,
		Fetcher:           fetcher,
		ServerURL:         cfg.ResolveServerURL(),
		MaxRetries:        cfg.MaxRetries,
		BackoffInitMs:     cfg.BackoffInitMs,
		BackoffMaxMs:      cfg.BackoffMaxMs,
		Logger:            logger,
	})

	if cfg.RootHash != "" {
		err = mgr.InitFixed(ctx, cfg.RootHash)
	} else {
		err = mgr.Init(ctx)
	}
	if err != nil {
		return fmt.Errorf("loading root catalog: %w", err)
	}

	caches := metacache.New(metacache.Config{})
	f := fence.New()

	tracker, chunkedReader, restoredOpenFiles := loadOrInitHotReloadState(logger, mgr, cache, layout.HotReloadStatePath())

	quota := newSimpleQuota(cfg.QuotaLimitMB)

	rootData := fsops.NewRootData(mgr, caches, f, cache, chunkedReader, tracker, quota, cfg.FsOpsOptions(version, logger))
	if restoredOpenFiles > 0 {
		rootData.SetOpenFilesCount(restoredOpenFiles)
	}
	root, err := fsops.NewRoot(ctx, rootData)
	if err != nil {
		return fmt.Errorf("resolving mount root: %w", err)
	}

	// Matches the teacher's own fs.Options construction: AllowOther and
	// the fsname mount option, with NullPermissions left at the default
	// (false) since FsOps enforces its own read-only access policy.
	opts := &fs.Options{}
	opts.AllowOther = true
	opts.MountOptions.Options = append(opts.MountOptions.Options, "fsname="+fqrn, "subtype=cvmfs")

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return fmt.Errorf("fuse mount failed: %w", err)
	}

	logger.Infof("mounted %s at %s", fqrn, mountpoint)

	remountCtx, stopRemount := context.WithCancel(ctx)
	defer stopRemount()
	if cfg.RootHash == "" && cfg.AutoUpdate {
		interval := time.Duration(cfg.MaxTTLSeconds) * time.Second
		logger.Infof("auto-update enabled, checking for a new catalog revision every %s", interval)
		go runRemountLoop(remountCtx, logger, mgr, f, caches, interval)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGUSR1)
	go func() {
		for range reloadCh {
			if err := dumpHotReloadState(logger, tracker, mgr, chunkedReader, rootData.OpenFilesCount(), layout.HotReloadStatePath()); err != nil {
				logger.WithError(err).Warn("hot-reload state dump failed")
			}
		}
	}()
	go func() {
		sig := <-sigCh
		logger.Infof("received signal %v, unmounting", sig)
		server.Unmount()
	}()

	server.Wait()
	return nil
}

// loadOrInitHotReloadState reads a previously dumped hot-reload state file
// (spec §6) if one is present at statePath, restoring the inode tracker and
// chunked-file tables it holds; otherwise it starts both fresh. Kernel-held
// open-file handles cannot themselves survive a real process restart (the
// kernel, not this process, owns the fh values across a binary swap without
// FUSE session hand-off, which is out of scope), so the restored chunked
// reader's handle table is seeded empty — chunk lists keyed by inode still
// restore, matching chunked.Restore's documented handling of an empty
// handleInode map.
func loadOrInitHotReloadState(logger *logrus.Entry, mgr *catalogmgr.Manager, cache *tieredcache.TieredCache, statePath string) (*inodetracker.Tracker, *chunked.Reader, int64) {
	f, err := os.Open(statePath)
	if err != nil {
		return inodetracker.New(), chunked.New(cache), 0
	}
	defer f.Close()

	state, err := hotreload.Decode(f)
	if err != nil {
		logger.WithError(err).Warn("hot-reload state file present but unreadable; starting fresh")
		return inodetracker.New(), chunked.New(cache), 0
	}

	tracker, reader := hotreload.Restore(state, mgr, cache, map[uint64]uint64{})
	logger.Info("restored hot-reload state from a previous mount")
	return tracker, reader, state.OpenFilesCounter
}

// dumpHotReloadState serializes the current hot-reload state to statePath,
// triggered on SIGUSR1 ahead of a binary upgrade.
func dumpHotReloadState(logger *logrus.Entry, tracker *inodetracker.Tracker, mgr *catalogmgr.Manager, reader *chunked.Reader, openFilesCounter int64, statePath string) error {
	state := hotreload.Save(tracker, mgr, reader, openFilesCounter)

	tmp := statePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating hot-reload state file: %w", err)
	}
	if err := hotreload.Encode(f, state); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encoding hot-reload state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing hot-reload state file: %w", err)
	}
	if err := os.Rename(tmp, statePath); err != nil {
		return fmt.Errorf("installing hot-reload state file: %w", err)
	}
	logger.Info("dumped hot-reload state ahead of binary upgrade")
	return nil
}

func newS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.LowerRegion))

	if cfg.LowerAccessKeyID != "" && cfg.LowerSecretAccessKey != "" {
		provider := credentials.NewStaticCredentialsProvider(cfg.LowerAccessKeyID, cfg.LowerSecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(provider))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.LowerEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.LowerEndpoint)
			o.UsePathStyle = true
		}
	}), nil
}
