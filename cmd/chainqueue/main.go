// Package main provides the chainqueue CLI: it tracks already-broadcast
// transaction hashes to a terminal state against configured RPC nodes, with
// the queue persisted across restarts.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chainqueue/chainqueue/adapter"
	"github.com/chainqueue/chainqueue/config"
	"github.com/chainqueue/chainqueue/monitor"
	"github.com/chainqueue/chainqueue/store"
	"github.com/chainqueue/chainqueue/txqueue"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "chainqueue",
		Short: "Track submitted transactions to a terminal state",
		Long: `chainqueue follows already-broadcast transaction hashes until they are
confirmed, reverted, replaced or timed out, persisting the queue so tracking
survives restarts.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chainqueue.toml", "path to TOML config")

	cmd.AddCommand(trackCmd(&configPath))
	cmd.AddCommand(listCmd(&configPath))
	return cmd
}

func trackCmd(configPath *string) *cobra.Command {
	var (
		chainID uint64
		txType  string
		title   string
	)

	cmd := &cobra.Command{
		Use:   "track <hash> [hash...]",
		Short: "Add transaction hashes and follow them to a terminal state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			lggr, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer lggr.Sync() //nolint:errcheck

			st, closeStore, err := openStore(lggr, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			chain, err := adapter.DialEVM(cmd.Context(), cfg.NodeURLs())
			if err != nil {
				return err
			}

			queue := txqueue.New(lggr, st, chain, cfg.QueueConfig())
			if err := queue.Start(cmd.Context()); err != nil {
				return err
			}
			defer queue.Close() //nolint:errcheck

			mon := monitor.New(lggr, queue)
			if err := mon.Start(cmd.Context()); err != nil {
				return err
			}
			defer mon.Close() //nolint:errcheck

			if cfg.MetricsAddr != nil && *cfg.MetricsAddr != "" {
				go serveMetrics(lggr, *cfg.MetricsAddr)
			}

			settled := make(chan struct{}, 1)
			unsubscribe := queue.Subscribe(func(event txqueue.Event) {
				if event.Tx != nil {
					fmt.Printf("%s %s (chain %d) %s\n", event.Type, event.Tx.Hash, event.Tx.ChainID, event.Tx.Status)
				}
				if queue.Statistics().ByStatus[txqueue.StatusPending] == 0 {
					select {
					case settled <- struct{}{}:
					default:
					}
				}
			})
			defer unsubscribe()

			for _, hash := range args {
				tx, err := queue.Add(txqueue.AddRequest{
					Hash:    hash,
					ChainID: chainID,
					Type:    txqueue.TxType(txType),
					Title:   title,
				})
				if err != nil {
					return err
				}
				lggr.Infow("tracking transaction", "id", tx.ID, "txHash", tx.Hash, "chainID", tx.ChainID)
			}

			return waitForSettled(cmd.Context(), queue, settled)
		},
	}

	cmd.Flags().Uint64Var(&chainID, "chain", 1, "chain id the transactions were submitted on")
	cmd.Flags().StringVar(&txType, "type", string(txqueue.TxUnknown), "transaction intent (transfer, approval, disposal, donation, unknown)")
	cmd.Flags().StringVar(&title, "title", "", "display title for the transactions")
	return cmd
}

func listCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the persisted queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			lggr, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer lggr.Sync() //nolint:errcheck

			st, closeStore, err := openStore(lggr, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			txs, err := st.Load()
			if err != nil {
				return err
			}
			for _, tx := range txs {
				line := fmt.Sprintf("%-10s chain=%-6d retries=%-3d %s", tx.Status, tx.ChainID, tx.RetryCount, tx.Hash)
				if tx.BlockNumber != nil {
					line += fmt.Sprintf(" block=%s", tx.BlockNumber)
				}
				if tx.Error != nil {
					line += fmt.Sprintf(" error=%s", tx.Error.Error())
				}
				fmt.Println(line)
			}
			fmt.Printf("%d transaction(s)\n", len(txs))
			return nil
		},
	}
}

func newLogger(cfg *config.TOMLConfig) (*zap.SugaredLogger, error) {
	var (
		base *zap.Logger
		err  error
	)
	if cfg.Debug != nil && *cfg.Debug {
		base, err = zap.NewDevelopment()
	} else {
		base, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return base.Sugar(), nil
}

func openStore(lggr *zap.SugaredLogger, cfg *config.TOMLConfig) (txqueue.Store, func(), error) {
	backend, path, namespace := *cfg.Store.Backend, *cfg.Store.Path, *cfg.Store.Namespace
	switch backend {
	case "leveldb":
		ls, err := store.OpenLevelStore(lggr, path, namespace)
		if err != nil {
			return nil, nil, err
		}
		return ls, func() { ls.Close() }, nil //nolint:errcheck
	default:
		return store.NewFileStore(lggr, path, namespace), func() {}, nil
	}
}

func serveMetrics(lggr *zap.SugaredLogger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	lggr.Infow("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		lggr.Errorw("metrics server stopped", "err", err)
	}
}

func waitForSettled(ctx context.Context, queue *txqueue.Queue, settled chan struct{}) error {
	if queue.Statistics().ByStatus[txqueue.StatusPending] == 0 {
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-settled:
			if queue.Statistics().ByStatus[txqueue.StatusPending] == 0 {
				return nil
			}
		case <-sigCh:
			fmt.Println("interrupted, queue state persisted")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
