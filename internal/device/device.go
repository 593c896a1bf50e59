package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"nexus/internal/chunkcache"
	"nexus/internal/coalescer"
	"nexus/internal/hoard"
	"nexus/internal/keyring"
	"nexus/internal/logging"
	"nexus/internal/nexus"
	"nexus/internal/transform"
	"nexus/internal/usermsg"
	"nexus/internal/workerpool"
)

// Config configures a Device at construction, the parameters spec §6
// names as a device's identity: chunk size, cache geometry, cipher
// suite, and allowed/preferred compression.
type Config struct {
	ChunkSize            int
	ChunkCount           int64
	CacheEntries         int
	Suite                nexus.Suite
	AllowedCompression   nexus.CompressionMask
	PreferredCompression nexus.Compression
	MaxInFlight          int

	ParcelUUID   string
	ParcelServer string
	ParcelUser   string
	ParcelName   string

	Logger *slog.Logger
}

// Device is one open parcel: the chunk cache, worker pool, coalescer,
// user-message channel, and hoard cache wired together per spec §6's
// Open/Submit/Sync/Close operations.
type Device struct {
	log *slog.Logger

	cfg    Config
	cache  *chunkcache.Cache
	pool   *workerpool.Pool
	coal   *coalescer.Coalescer
	keeper *usermsg.Channel
	hoard  *hoard.Cache
	keys   keyring.Store
	parcel int64

	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan struct{}

	mu     sync.Mutex
	closed bool
}

// Open constructs a Device bound to one parcel, registering it with
// the hoard cache and starting the worker pool. The returned Device's
// user-message channel (Keeper) must be drained by a keeper loop
// (AddUser/NextMessage/SubmitReply) before any Submit can complete a
// miss.
func Open(cfg Config, keys keyring.Store, hc *hoard.Cache) (*Device, error) {
	suite, ok := transform.BySuiteName(cfg.Suite)
	if !ok {
		return nil, nexus.NewError("device.Open", nexus.KindBadInput,
			fmt.Errorf("%w: unknown suite %v", nexus.ErrBadInput, cfg.Suite))
	}

	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = cfg.CacheEntries
	}

	log := logging.Default(cfg.Logger).With("component", "device")

	parcel, err := hc.RegisterParcel(context.Background(), cfg.ParcelUUID, cfg.ParcelServer, cfg.ParcelUser, cfg.ParcelName)
	if err != nil {
		return nil, fmt.Errorf("register parcel: %w", err)
	}

	cache := chunkcache.New(cfg.CacheEntries, cfg.ChunkSize, log)
	pool := workerpool.New(log)
	keeper := usermsg.New(log)

	drv := newDriver(log, suite, cfg.ChunkSize, cfg.AllowedCompression, cfg.PreferredCompression, parcel, keeper, hc, cache, pool)
	coal := coalescer.New(cache, pool, drv, cfg.ChunkSize, cfg.ChunkCount, cfg.MaxInFlight, log)
	cache.SetWriteBack(drv.Flush)

	runCtx, cancel := context.WithCancel(context.Background())
	d := &Device{
		log:       log,
		cfg:       cfg,
		cache:     cache,
		pool:      pool,
		coal:      coal,
		keeper:    keeper,
		hoard:     hc,
		keys:      keys,
		parcel:    parcel,
		runCtx:    runCtx,
		runCancel: cancel,
		runDone:   make(chan struct{}),
	}

	keeper.AddUser()
	go func() {
		defer close(d.runDone)
		if err := pool.Run(runCtx); err != nil {
			log.Warn("worker pool exited with error", "error", err)
		}
	}()

	return d, nil
}

// Keeper exposes the device's user-message channel for a keeper
// process loop to drain (spec §4.G/§6).
func (d *Device) Keeper() *usermsg.Channel { return d.keeper }

// Submit services one block-device request to completion (spec §6).
func (d *Device) Submit(ctx context.Context, req coalescer.Request) error {
	return d.coal.Submit(ctx, req)
}

// Sync blocks until every dirty chunk reaches VALID, the explicit
// durability action of spec §4.F.
func (d *Device) Sync(ctx context.Context) error {
	return d.coal.Sync(ctx)
}

// Stats returns a point-in-time snapshot of the chunk cache's
// statistics (spec §9).
func (d *Device) Stats() chunkcache.Snapshot { return d.cache.Snapshot() }

// Validate runs the hoard's full validation pass over this device's
// keyring, clearing the damaged flag only if every row verifies (spec
// §7, supplemented feature: see hoard.Cache.Validate).
func (d *Device) Validate(ctx context.Context) error {
	return d.hoard.Validate(ctx, d.keys)
}

// Close shuts the device down (spec §5): it syncs dirty entries,
// logging rather than returning any sync error; drops this device's
// need_user count; shuts the user-message channel down, forcing it if
// other users remain, which fails every outstanding user message with
// KindShutdown; then cancels the worker pool and waits for it to stop
// or for ctx to be done. The hoard is not touched.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if err := d.Sync(ctx); err != nil {
		d.log.Warn("sync before close reported errors", "error", err)
	}

	d.keeper.RemoveUser()
	if err := d.keeper.Shutdown(false); err != nil {
		d.log.Warn("keeper shutdown refused, forcing", "error", err)
		_ = d.keeper.Shutdown(true)
	}

	d.runCancel()
	select {
	case <-d.runDone:
	case <-ctx.Done():
		return nexus.NewError("device.Close", nexus.KindShutdown, ctx.Err())
	}

	return nil
}
