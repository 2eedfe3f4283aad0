package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentic-research/reseller/internal/graph"
	"github.com/agentic-research/reseller/internal/ingest"
	"github.com/agentic-research/reseller/internal/persist"
	"github.com/agentic-research/reseller/internal/server"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	rpcURL     string
	listenAddr string
)

func init() {
	runCmd.Flags().StringVar(&rpcURL, "rpc-url", "", "Chain node websocket endpoint (overrides rpc_url)")
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "Query API address, e.g. :8080 (overrides listen)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Backfill the namespace, follow new logs and serve the query API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("rpc-url") {
			cfg.RPCURL = rpcURL
		}
		if cmd.Flags().Changed("listen") {
			cfg.Listen = listenAddr
		}
		if cfg.RPCURL == "" {
			return errors.New("rpc_url is required (config, --rpc-url or RESELLER_RPC_URL)")
		}

		logger, err := newLogger(os.Stderr, cfg.LogLevel)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
		}
		defer client.Close()

		store, err := persist.Open(cfg.Store, logger)
		if err != nil {
			return err
		}
		sink := persist.NewSink(store, cfg.Store.Compress)
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Error("close store", "err", err)
			}
		}()

		idx, restored, err := sink.Restore(ctx, cfg.Chain.Root())
		if err != nil {
			return err
		}
		logger.Info("index loaded",
			"restored", restored,
			"nodes", idx.Len(),
			"cursor_block", idx.Cursor().Block,
			"store", cfg.Store.Kind,
		)
		checkArenaHeadroom(logger, store, idx, cfg.Store.Compress)

		engine := ingest.NewEngine(ingest.Config{
			Address:    cfg.Chain.ContractAddress(),
			FirstBlock: cfg.Chain.FirstBlock,
			RetryDelay: cfg.RetryDelay,
		}, client, idx, sink, logger)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return engine.Run(ctx) })
		if cfg.Listen != "" {
			gin.SetMode(gin.ReleaseMode)
			g.Go(func() error {
				return server.Serve(ctx, cfg.Listen, server.NewRouter(idx), logger)
			})
		}

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			logger.Info("shutting down")
			return nil
		}
		return err
	},
}

// arenaWarnRatio is the share of a buffer a snapshot may fill before startup
// warns about it.
const arenaWarnRatio = 0.75

// checkArenaHeadroom reports how much of the arena buffer the current
// snapshot uses. Other stores have no fixed ceiling.
func checkArenaHeadroom(logger *slog.Logger, store persist.Store, idx *graph.Index, compress bool) {
	arena, ok := store.(*persist.ArenaStore)
	if !ok {
		return
	}
	blob, err := idx.Encode(compress)
	if err != nil {
		logger.Warn("encode snapshot for arena check", "err", err)
		return
	}
	size, capacity := int64(len(blob)), arena.Capacity()
	attrs := []any{"snapshot_bytes", size, "capacity_bytes", capacity}
	if float64(size) > arenaWarnRatio*float64(capacity) {
		logger.Warn("snapshot is close to arena capacity, raise store.arena_size", attrs...)
		return
	}
	logger.Info("arena headroom", attrs...)
}
