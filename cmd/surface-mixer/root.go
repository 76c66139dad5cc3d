package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/spf13/cobra"

	"surface-mixer/internal/engine"
	"surface-mixer/internal/log"
	"surface-mixer/internal/mixer"
	"surface-mixer/internal/registry"
	sig "surface-mixer/signal"
)

var config Config

var rootCmd = &cobra.Command{
	Use:   "surface-mixer",
	Short: "Dynamic stream mixing server for shared surfaces",
	Long: `surface-mixer receives one RTP video stream per client over UDP, mixes the
streams of the other clients into one output per client and sends it back.

Clients are managed over JSON-RPC on /ws; every change rebuilds the mixing
topology immediately.`,
	SilenceUsage: true,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnv(cmd.Flags(), config.EnvFile)
	},
	RunE: run,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	config.bind(rootCmd.Flags())
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func run(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: config.LogLevel, Console: config.Console})
	log.Infof("starting surface-mixer: %s", config)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := mixer.NewMetrics(reg)

	eng := engine.New(engine.WithPacingBitrate(config.PacingBitrate))
	defer eng.Worker().Stop()

	monitorOpts := []mixer.MonitorOption{
		mixer.WithMonitorMetrics(metrics),
		mixer.WithMonitorLogger(log.With("stats")),
	}
	if config.StatsDir != "" {
		statsLog, err := mixer.NewFileStatsLog(config.StatsDir)
		if err != nil {
			return err
		}
		monitorOpts = append(monitorOpts, mixer.WithStatsLog(statsLog))
	}
	monitor := mixer.NewStatsMonitor(eng.Worker(), monitorOpts...)

	mixerConfig := mixer.DefaultConfig()
	mixerConfig.MergedWidth = config.MergedWidth
	mixerConfig.MergedHeight = config.MergedHeight
	if err := mixerConfig.Validate(); err != nil {
		return err
	}
	manager := mixer.NewManager(eng, monitor,
		mixer.WithLogger(log.With("lifecycle")),
		mixer.WithMetrics(metrics),
		mixer.WithConfig(mixerConfig),
	)
	defer func() {
		if err := manager.Close(); err != nil {
			log.Errorf("closing pipeline: %v", err)
		}
	}()

	clients := registry.New(manager,
		registry.WithLimit(config.MaxClients),
		registry.WithListenHost(config.ListenHost),
	)
	handler := sig.NewJSONSignal(clients, manager)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("websocket upgrade: %v", err)
			return
		}
		defer c.Close()

		conn := jsonrpc2.NewConn(r.Context(), jsonrpc2ws.NewObjectStream(c), handler)
		<-conn.DisconnectNotify()
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: config.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("control server listening on %s", config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case s := <-sigs:
		log.Infof("received %s, shutting down", s)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
