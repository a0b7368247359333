package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/Prismer-AI/adminchat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchInterval     time.Duration
	watchMode         string
	watchConversation string
	watchFeed         bool
	watchMetricsAddr  string
)

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Refresh interval (default from config, 5s when unset)")
	watchCmd.Flags().StringVar(&watchMode, "mode", "", "Refresh mode: main, filtered, all (default from config)")
	watchCmd.Flags().StringVar(&watchConversation, "conversation", "", "Conversation to keep active")
	watchCmd.Flags().BoolVar(&watchFeed, "feed", false, "Also listen on the API websocket for change hints")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the message log in sync and print new activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		opts := []adminchat.Option{adminchat.WithRegisterer(reg)}
		if watchFeed {
			opts = append(opts, adminchat.WithChangeFeed(adminchat.ChangeFeedConfig{AutoReconnect: true}))
		}

		sess, logger, err := openSession(opts...)
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer sess.Close()

		cfg := sess.Config()
		if !cfg.Polling() {
			return adminchat.ErrSnapshotMode
		}

		interval := watchInterval
		if interval == 0 {
			interval = cfg.RefreshInterval()
		}
		if interval == 0 {
			interval = 5 * time.Second
		}
		mode := adminchat.RefreshMode(watchMode)
		if mode == "" {
			mode = cfg.Refresh.Mode
		}
		if watchConversation != "" {
			sess.SelectConversation(watchConversation)
		}

		sess.On(adminchat.EventSyncComplete, func(_ string, payload any) {
			rep, ok := payload.(adminchat.SyncReport)
			if !ok || rep.Stats.Inserted+rep.Stats.Reconciled == 0 {
				return
			}
			fmt.Printf("%s %s refresh: +%d new, %d confirmed\n",
				time.Now().Format("15:04:05"), rep.Kind, rep.Stats.Inserted, rep.Stats.Reconciled)
			printUnread(sess.Store().UnreadCounts())
		})
		sess.On(adminchat.EventHealthChanged, func(_ string, payload any) {
			if healthy, ok := payload.(bool); ok {
				fmt.Printf("%s API %s\n", time.Now().Format("15:04:05"), healthLabel(healthy))
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		if err := sess.Start(ctx); err != nil {
			return err
		}
		if err := sess.SetAutoRefresh(interval, mode); err != nil {
			return err
		}
		fmt.Printf("Watching %s every %s (%s). Press Ctrl+C to stop.\n", cfg.Table.Name, interval, mode)
		fmt.Printf("Loaded %d messages in %d conversations.\n", sess.Store().Len(), len(sess.Conversations()))

		<-ctx.Done()
		fmt.Println("Stopping.")
		return nil
	},
}

func printUnread(unread map[string]int) {
	if len(unread) == 0 {
		return
	}
	ids := make([]string, 0, len(unread))
	for id := range unread {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("    %-24s %d unread\n", adminchat.FormatConversationID(id), unread[id])
	}
}
