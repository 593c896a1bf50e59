// Command nexuskeeper runs the user-space keeper: it opens (or
// creates) one parcel's hoard cache and keyring, wires up a device,
// and drains its user-message channel against the keyring until
// signaled.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"nexus/internal/config"
	configmem "nexus/internal/config/memory"
	configsqlite "nexus/internal/config/sqlite"
	"nexus/internal/device"
	"nexus/internal/home"
	"nexus/internal/hoard"
	"nexus/internal/keeper"
	keyringsqlite "nexus/internal/keyring/sqlite"
	"nexus/internal/logging"
	"nexus/internal/nexus"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "nexuskeeper",
		Short: "User-space keeper for a convergently-encrypted virtual block device",
	}

	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("config-type", "sqlite", "config store type: sqlite or memory")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Open a parcel and keep it until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			configType, _ := cmd.Flags().GetString("config-type")
			chunkSize, _ := cmd.Flags().GetInt("chunk-size")
			chunkCount, _ := cmd.Flags().GetInt64("chunk-count")
			cacheEntries, _ := cmd.Flags().GetInt("cache-entries")
			maxInFlight, _ := cmd.Flags().GetInt("max-in-flight")
			suite, _ := cmd.Flags().GetString("suite")
			compression, _ := cmd.Flags().GetString("compression")
			server, _ := cmd.Flags().GetString("server")
			user, _ := cmd.Flags().GetString("user")
			name, _ := cmd.Flags().GetString("name")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, homeFlag, configType, bootstrapFlags{
				chunkSize:    chunkSize,
				chunkCount:   chunkCount,
				cacheEntries: cacheEntries,
				maxInFlight:  maxInFlight,
				suite:        suite,
				compression:  compression,
				server:       server,
				user:         user,
				name:         name,
			})
		},
	}

	runCmd.Flags().Int("chunk-size", 131072, "chunk size in bytes, used only when bootstrapping a new parcel")
	runCmd.Flags().Int64("chunk-count", 1048576, "total chunk count (device size = chunk-count * chunk-size), used only when bootstrapping a new parcel")
	runCmd.Flags().Int("cache-entries", 256, "in-memory chunk cache entries, used only when bootstrapping")
	runCmd.Flags().Int("max-in-flight", 32, "maximum in-flight chunk fetches, used only when bootstrapping")
	runCmd.Flags().String("suite", "AES_SHA1", "cipher suite: AES_SHA1 or BLOWFISH_SHA1, used only when bootstrapping")
	runCmd.Flags().String("compression", "zlib", "preferred compression: none, zlib, or lzf, used only when bootstrapping")
	runCmd.Flags().String("server", "", "parcel server identity, used only when bootstrapping")
	runCmd.Flags().String("user", "", "parcel user identity, used only when bootstrapping")
	runCmd.Flags().String("name", "", "parcel name, used only when bootstrapping")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type bootstrapFlags struct {
	chunkSize    int
	chunkCount   int64
	cacheEntries int
	maxInFlight  int
	suite        string
	compression  string
	server       string
	user         string
	name         string
}

func run(ctx context.Context, logger *slog.Logger, homeFlag, configType string, bf bootstrapFlags) error {
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if configType != "memory" {
		if err := hd.EnsureExists(); err != nil {
			return err
		}
		logger.Info("home directory", "path", hd.Root())
	}

	cfgStore, err := openConfigStore(hd, configType)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer cfgStore.Close()

	cfg, err := ensureConfig(ctx, logger, cfgStore, hd, bf)
	if err != nil {
		return err
	}

	if err := hd.EnsureParcelExists(cfg.ParcelUUID); err != nil {
		return err
	}

	hc, err := hoard.Open(hoard.Config{
		IndexPath:        cfg.IndexPath,
		DataPath:         cfg.DataPath,
		ChunkSize:        cfg.ChunkSize,
		MinHoardedChunks: cfg.CacheEntries,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("open hoard cache: %w", err)
	}
	defer hc.Close()

	keys, err := keyringsqlite.NewStore(cfg.KeyringPath)
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	defer keys.Close()

	devCfg, err := toDeviceConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("translate device config: %w", err)
	}

	dev, err := device.Open(devCfg, keys, hc)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}

	k := keeper.New(dev.Keeper(), keys, logger)
	k.Start(ctx)
	logger.Info("keeper started", "parcel", cfg.ParcelUUID)

	<-ctx.Done()

	logger.Info("stopping keeper")
	k.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dev.Close(closeCtx); err != nil {
		return fmt.Errorf("close device: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func ensureConfig(ctx context.Context, logger *slog.Logger, cfgStore config.Store, hd home.Dir, bf bootstrapFlags) (*config.DeviceConfig, error) {
	cfg, err := cfgStore.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}

	logger.Info("no config found, bootstrapping new parcel")
	parcelUUID := uuid.New().String()
	cfg = &config.DeviceConfig{
		ChunkSize:            bf.chunkSize,
		ChunkCount:           bf.chunkCount,
		CacheEntries:         bf.cacheEntries,
		MaxInFlight:          bf.maxInFlight,
		Suite:                bf.suite,
		AllowedCompression:   []string{"none", "zlib", "lzf"},
		PreferredCompression: bf.compression,
		ParcelUUID:           parcelUUID,
		ParcelServer:         bf.server,
		ParcelUser:           bf.user,
		ParcelName:           bf.name,
		IndexPath:            hd.IndexPath(parcelUUID),
		DataPath:             hd.DataPath(parcelUUID),
		KeyringPath:          hd.KeyringPath(parcelUUID),
	}
	if err := cfgStore.Save(ctx, cfg); err != nil {
		return nil, fmt.Errorf("save bootstrapped config: %w", err)
	}
	return cfg, nil
}

func toDeviceConfig(cfg *config.DeviceConfig, logger *slog.Logger) (device.Config, error) {
	suite, err := nexus.ParseSuite(cfg.Suite)
	if err != nil {
		return device.Config{}, err
	}

	var allowed []nexus.Compression
	for _, s := range cfg.AllowedCompression {
		c, err := nexus.ParseCompression(s)
		if err != nil {
			return device.Config{}, err
		}
		allowed = append(allowed, c)
	}

	preferred, err := nexus.ParseCompression(cfg.PreferredCompression)
	if err != nil {
		return device.Config{}, err
	}

	return device.Config{
		ChunkSize:            cfg.ChunkSize,
		ChunkCount:           cfg.ChunkCount,
		CacheEntries:         cfg.CacheEntries,
		Suite:                suite,
		AllowedCompression:   nexus.MaskOf(allowed...),
		PreferredCompression: preferred,
		MaxInFlight:          cfg.MaxInFlight,
		ParcelUUID:           cfg.ParcelUUID,
		ParcelServer:         cfg.ParcelServer,
		ParcelUser:           cfg.ParcelUser,
		ParcelName:           cfg.ParcelName,
		Logger:               logger,
	}, nil
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

// openConfigStore creates a config.Store based on config type and home directory.
func openConfigStore(hd home.Dir, configType string) (config.Store, error) {
	switch configType {
	case "memory":
		return configmem.NewStore(), nil
	case "sqlite":
		return configsqlite.NewStore(hd.ConfigPath())
	default:
		return nil, fmt.Errorf("unknown config store type: %q", configType)
	}
}
