package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"FaceReaderBridge/internal/aggregate"
	"FaceReaderBridge/internal/classlog"
	"FaceReaderBridge/internal/collector"
	"FaceReaderBridge/internal/config"
	"FaceReaderBridge/internal/engineclient"
	"FaceReaderBridge/internal/httpserver"
	"FaceReaderBridge/internal/logger"
	"FaceReaderBridge/internal/session"
	"FaceReaderBridge/internal/supervisor"
	"FaceReaderBridge/internal/testserver"
	"FaceReaderBridge/internal/wsclient"
)

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "facereader-bridge",
		Short:         "Bridge between the FaceReader engine and the emotion collector",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env 必须在 viper 读取环境变量之前加载
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./configs/facereader.yaml)")

	root.AddCommand(newRunCommand(), newEngineSimCommand(), newCollectorStubCommand(), newReplayCommand(), newWatchCommand())
	return root
}

// signalContext 在 SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig(watch bool) (*config.Manager, *config.Config, error) {
	manager := config.NewManager(
		config.WithConfigPath(configPath),
		config.WithWatchEnabled(watch),
	)
	cfg, err := manager.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, nil, err
	}
	return manager, cfg, nil
}

func newRunCommand() *cobra.Command {
	var autostart bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge with its local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cfg, err := loadConfig(true)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			hub := logger.NewEventHub(256)
			go hub.Run(ctx)
			logrus.AddHook(hub.Hook())

			engine := engineclient.New(cfg.EngineClientConfig())
			coll := collector.New(cfg.CollectorClientConfig())
			ctrl := session.NewController(cfg.SessionControllerConfig(), engine, coll)

			ctrl.SetStateChangeHandler(func(oldState, newState session.State) {
				hub.Publish(logger.Event{
					Type: logger.EventState,
					Data: map[string]string{"from": oldState.String(), "to": newState.String()},
				})
			})
			ctrl.SetSummaryHandler(func(sessionID string, summaries []aggregate.EmotionSummary) {
				hub.Publish(logger.Event{Type: logger.EventSummary, SessionID: sessionID, Data: summaries})
			})

			var sup *supervisor.Supervisor
			if cfg.Recovery.Enable {
				sup = supervisor.New(&supervisor.Config{
					InitialInterval: cfg.Recovery.InitialInterval,
					MaxInterval:     cfg.Recovery.MaxInterval,
					Multiplier:      cfg.Recovery.Multiplier,
					MaxElapsedTime:  cfg.Recovery.MaxElapsedTime,
				}, ctrl)
				go sup.Run(ctx)
			}
			ctrl.SetLoopExitHandler(func(sessionID string, err error) {
				event := logger.Event{Type: logger.EventLoopExit, SessionID: sessionID}
				if err != nil {
					event.Level = logrus.ErrorLevel.String()
					event.Message = err.Error()
				}
				hub.Publish(event)
				if sup != nil {
					sup.OnLoopExit(sessionID, err)
				}
			})

			manager.OnChange(func(oldConfig, newConfig *config.Config) {
				if err := logger.SetLevel(newConfig.Logging.Level); err != nil {
					logrus.WithError(err).Warn("Ignore log level change")
				}
				coll.SetTimeout(newConfig.Collector.Timeout)
				logrus.Info("Config reloaded")
			})

			api := httpserver.NewAPIServer(httpserver.ServerConfig{
				Addr:           cfg.Control.Addr,
				AllowedOrigins: cfg.Control.AllowedOrigins,
				ReadTimeout:    cfg.Control.ReadTimeout,
				WriteTimeout:   cfg.Control.WriteTimeout,
			}, ctrl, coll, hub)

			serveErr := make(chan error, 1)
			go func() {
				serveErr <- api.Start()
			}()

			if autostart {
				if err := ctrl.Connect(ctx); err != nil {
					logrus.WithError(err).Error("Autostart connect failed")
				} else if err := ctrl.Start(ctx); err != nil {
					logrus.WithError(err).Error("Autostart analysis failed")
				}
			}

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					logrus.WithError(err).Error("Control API stopped")
				}
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()

			if err := ctrl.Disconnect(); err != nil {
				logrus.WithError(err).Warn("Disconnect on shutdown")
			}
			return api.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&autostart, "autostart", false, "connect to the engine and start analyzing at launch")
	return cmd
}

func newEngineSimCommand() *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "engine-sim",
		Short: "Run a simulated FaceReader engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init("info", "text"); err != nil {
				return err
			}

			engineConfig := testserver.DefaultEngineConfig(addr)
			engineConfig.FrameInterval = interval
			server := testserver.NewEngineServer(engineConfig)
			if err := server.Start(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			<-ctx.Done()

			return server.Shutdown()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9090", "listen address")
	cmd.Flags().DurationVar(&interval, "interval", 40*time.Millisecond, "classification frame interval")
	return cmd
}

func newCollectorStubCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "collector-stub",
		Short: "Run an in-memory collector that accepts every route",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init("info", "text"); err != nil {
				return err
			}

			server := testserver.NewCollectorServer()
			serveErr := make(chan error, 1)
			go func() {
				serveErr <- server.ListenAndServe(addr)
			}()

			ctx, cancel := signalContext()
			defer cancel()

			select {
			case <-ctx.Done():
				return server.Close()
			case err := <-serveErr:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5000", "listen address")
	return cmd
}

func newReplayCommand() *cobra.Command {
	var (
		from string
		to   string
		push bool
	)

	cmd := &cobra.Command{
		Use:   "replay <session.csv>",
		Short: "Aggregate a recorded session log over a window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(false)
			if err != nil {
				return err
			}

			rows, skipped, err := classlog.ReadFile(args[0])
			if err != nil {
				return err
			}
			if skipped > 0 {
				logrus.WithField("skipped", skipped).Warn("Skipped unreadable rows")
			}

			window, err := replayWindow(rows, from, to)
			if err != nil {
				return err
			}

			summaries := aggregate.AggregateWindow(rows, window)

			if push && len(summaries) > 0 {
				coll := collector.New(cfg.CollectorClientConfig())
				if err := coll.PushAggregate(cmd.Context(), summaries); err != nil {
					return err
				}
				logrus.WithField("frames", len(summaries)).Info("Replay pushed")
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(summaries)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "window start, RFC 3339 or unix seconds (default: first row)")
	cmd.Flags().StringVar(&to, "to", "", "window end, exclusive (default: just after the last row)")
	cmd.Flags().BoolVar(&push, "push", false, "push the summaries to the configured collector")
	return cmd
}

func newWatchCommand() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the event stream of a running bridge as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init("warn", "text"); err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			var encodeMu sync.Mutex

			client := wsclient.New(wsclient.DefaultClientConfig(url))
			client.SetEventHandler(func(event logger.Event) {
				encodeMu.Lock()
				defer encodeMu.Unlock()
				if err := encoder.Encode(event); err != nil {
					logrus.WithError(err).Warn("Write event failed")
				}
			})
			client.SetStateChangeHandler(func(oldState, newState wsclient.ClientState) {
				logrus.WithFields(logrus.Fields{
					"from": oldState.String(),
					"to":   newState.String(),
				}).Warn("Event stream state changed")
			})

			ctx, cancel := signalContext()
			defer cancel()

			if err := client.Connect(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return client.Close()
			case <-client.Done():
				client.Close()
				return client.Err()
			}
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:8088/ws/events", "event stream URL")
	return cmd
}

// replayWindow 未指定边界时覆盖全部记录
func replayWindow(rows []classlog.Row, from, to string) (aggregate.Bounds, error) {
	var window aggregate.Bounds
	for i, row := range rows {
		if i == 0 || row.ReceivedAt.Before(window.Start) {
			window.Start = row.ReceivedAt
		}
		if i == 0 || !row.ReceivedAt.Before(window.End) {
			window.End = row.ReceivedAt.Add(time.Nanosecond)
		}
	}

	if from != "" {
		t, err := parseTime(from)
		if err != nil {
			return window, fmt.Errorf("invalid --from: %w", err)
		}
		window.Start = t
	}
	if to != "" {
		t, err := parseTime(to)
		if err != nil {
			return window, fmt.Errorf("invalid --to: %w", err)
		}
		window.End = t
	}
	return window, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor unix seconds", s)
	}
	return time.Unix(0, int64(seconds*float64(time.Second))), nil
}
