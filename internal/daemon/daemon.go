// Package daemon wires configuration, the metadata backend, the blob
// directory and the filesystem layer into a running process, and serves
// the result over FUSE, NFS and a metrics endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"kvfs/internal/fuse"
	"kvfs/internal/kv"
	"kvfs/internal/metrics"
	"kvfs/internal/storage"
	"kvfs/internal/vfs"
)

// ErrLocked is returned when another process holds the data directory lock
// in a conflicting mode.
var ErrLocked = errors.New("data directory is locked by another kvfs process")

// Options controls how Open acquires resources.
type Options struct {
	// Exclusive takes the data directory lock exclusively. Normal clients
	// share the lock; destructive maintenance such as fsck --prune must not
	// run beside them.
	Exclusive bool
}

// Daemon owns the resources behind one kvfs filesystem instance.
type Daemon struct {
	cfg *Config

	// ID identifies this process in logs and in the FUSE device name.
	ID string

	lock     *flock.Flock
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	fs       *vfs.FS

	mu         sync.Mutex
	fuseServer *gofuse.Server
	nfsServer  *NFSServer
	metricsSrv *http.Server
	closed     bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// openStore connects to the configured metadata backend.
func openStore(ctx context.Context, cfg *Config) (kv.Store, error) {
	switch cfg.Backend {
	case BackendRedis:
		return kv.DialRedis(ctx, kv.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	case BackendSQLite:
		return kv.OpenSQLite(ctx, cfg.SQLitePath())
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// acquireLock locks the data directory in the requested mode.
func acquireLock(path string, exclusive bool) (*flock.Flock, error) {
	lock := flock.New(path)
	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = lock.TryLock()
	} else {
		locked, err = lock.TryRLock()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}
	return lock, nil
}

// Open validates cfg, locks the data directory, connects the metadata
// backend and makes sure the root directory exists.
func Open(ctx context.Context, cfg *Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock, err := acquireLock(cfg.LockPath(), opts.Exclusive)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		ID:       uuid.New().String(),
		lock:     lock,
		registry: prometheus.NewRegistry(),
		stopCh:   make(chan struct{}),
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = metrics.New(d.registry)

	store, err := openStore(ctx, cfg)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	blobs, err := storage.OpenBlobDir(cfg.DataDir)
	if err != nil {
		store.Close()
		lock.Unlock()
		return nil, err
	}

	d.fs = vfs.New(storage.NewKVMeta(store, cfg.KeyPrefix, d.metrics), blobs, d.metrics)
	if err := d.fs.Init(ctx); err != nil {
		store.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to initialize root directory: %w", err)
	}

	log.WithFields(log.Fields{
		"id":       d.ID,
		"backend":  cfg.Backend,
		"data_dir": cfg.DataDir,
		"prefix":   cfg.KeyPrefix,
	}).Info("kvfs opened")
	return d, nil
}

// FS returns the filesystem layer.
func (d *Daemon) FS() *vfs.FS {
	return d.fs
}

// Registry returns the Prometheus registry holding kvfs metrics.
func (d *Daemon) Registry() *prometheus.Registry {
	return d.registry
}

// Mount attaches the filesystem at mountpoint through FUSE.
func (d *Daemon) Mount(mountpoint string, debug bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fuseServer != nil {
		return fmt.Errorf("already mounted")
	}

	server, err := fuse.Mount(d.fs, fuse.MountOptions{
		Mountpoint:   mountpoint,
		FsName:       "kvfs-" + d.ID[:8],
		AllowOther:   d.cfg.Fuse.AllowOther,
		EntryTimeout: d.cfg.Fuse.EntryTimeout,
		AttrTimeout:  d.cfg.Fuse.AttrTimeout,
		Debug:        debug,
	})
	if err != nil {
		return err
	}
	d.fuseServer = server

	// The kernel can unmount us (fusermount -u); treat that as a stop request.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		server.Wait()
		log.WithField("mountpoint", mountpoint).Info("FUSE server exited")
		d.Stop()
	}()
	return nil
}

// ServeNFS starts an NFSv3 server on addr and returns the bound address.
func (d *Daemon) ServeNFS(addr string) (net.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nfsServer != nil {
		return nil, fmt.Errorf("NFS server already running")
	}

	srv := NewNFSServer(d.fs)
	listener, err := srv.Listen(addr)
	if err != nil {
		return nil, err
	}
	d.nfsServer = srv

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := srv.Serve(); err != nil && !isClosedErr(err) {
			log.WithError(err).Error("NFS server stopped")
		}
	}()
	log.WithField("addr", listener.String()).Info("NFS server listening")
	return listener, nil
}

// ServeMetrics exposes the Prometheus registry on addr at /metrics.
func (d *Daemon) ServeMetrics(addr string) (net.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.metricsSrv != nil {
		return nil, fmt.Errorf("metrics server already running")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(d.registry))
	d.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	d.wg.Add(1)
	go func(srv *http.Server) {
		defer d.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}(d.metricsSrv)
	log.WithField("addr", listener.Addr().String()).Info("metrics listening")
	return listener.Addr(), nil
}

// Stop asks Wait to return. It is safe to call more than once.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}

// Wait blocks until SIGINT/SIGTERM, Stop, or ctx is done.
func (d *Daemon) Wait(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Infof("Received signal %v, shutting down...", sig)
	case <-d.stopCh:
		log.Info("Stop requested, shutting down...")
	case <-ctx.Done():
		log.Info("Context done, shutting down...")
	}
}

// Close unmounts, stops the servers, releases the backend and the lock.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	fuseServer, nfsServer, metricsSrv := d.fuseServer, d.nfsServer, d.metricsSrv
	d.mu.Unlock()

	var errs []error
	if fuseServer != nil {
		if err := fuseServer.Unmount(); err != nil {
			errs = append(errs, fmt.Errorf("unmount: %w", err))
		}
	}
	if nfsServer != nil {
		nfsServer.Shutdown()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Warn("Timeout waiting for server goroutines")
	}

	// Destroy releases the metadata backend.
	if err := d.fs.Destroy(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("close metadata: %w", err))
	}
	if err := d.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	log.WithField("id", d.ID).Info("kvfs closed")
	return errors.Join(errs...)
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
