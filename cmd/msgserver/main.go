// Command msgserver is an example binary wiring the WebSocketMessageServer
// up to NATS, Prometheus metrics, and a health endpoint, the way go-server-2
// and go-server-3 wire their own server mains.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	_ "go.uber.org/automaxprocs"

	"github.com/phnq-org/message"
	"github.com/phnq-org/message/internal/config"
	"github.com/phnq-org/message/internal/logging"
	"github.com/phnq-org/message/internal/metrics"
	"github.com/phnq-org/message/server"
	"github.com/phnq-org/message/transport/pubsub"
)

var startedAt = time.Now()

func main() {
	bootLogger := logging.New(&config.Config{LogLevel: "info", LogFormat: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(cfg)

	reg := metrics.NewRegistry()

	var connCount int64

	onReceive := func(ctx context.Context, payload interface{}) (message.Response, error) {
		reg.MessagesReceived.Inc()
		return message.Value{V: payload}, nil
	}

	onConversation := func(s message.ConversationSummary) {
		terminalType := "none"
		var duration time.Duration
		if n := len(s.Responses); n > 0 {
			terminalType = string(s.Responses[n-1].Message.T)
			duration = s.Responses[n-1].Elapsed
		}
		reg.ObserveConversation(string(s.Perspective), terminalType, duration)
	}

	srv, err := server.New(server.Config{
		Path:             cfg.WSPath,
		OnReceive:        onReceive,
		OnConversation:   onConversation,
		OnSigningFailure: reg.SigningFailures.Inc,
		OnMessageSent:    reg.MessagesSent.Inc,
		ResponseTimeout:  cfg.ResponseTimeout,
		SignSalt:         cfg.SignSalt,
		Logger:           &logger,
		OnConnect: func(id string, _ *message.Connection) {
			atomic.AddInt64(&connCount, 1)
			reg.ActiveConnections.Inc()
			logger.Info().Str("conn", id).Msg("connection established")
		},
		OnDisconnect: func(id string) {
			atomic.AddInt64(&connCount, -1)
			reg.ActiveConnections.Dec()
			logger.Info().Str("conn", id).Msg("connection closed")
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct server")
	}
	defer srv.Close()

	if cfg.NATSUrl != "" {
		pubsubLogger := logger
		if !cfg.LogNATS {
			pubsubLogger = logger.Level(zerolog.Disabled)
		}
		pst, err := pubsub.New(pubsub.Config{
			URL:                  cfg.NATSUrl,
			PublishSubject:       pubsub.FixedSubject("phnq.message.broadcast"),
			MaxConnectAttempts:   cfg.MaxConnectAttempts,
			ConnectTimeWait:      cfg.ConnectTimeWait,
			Logger:               &pubsubLogger,
			OnChunkReassembled:   reg.ChunksReassembled.Inc,
			OnChunkBufferEvicted: reg.ChunkBuffersEvicted.Inc,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to nats, continuing without it")
		} else {
			defer pst.Close()
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go sampleProcessMetrics(reg, &logger, stop)

	router := mux.NewRouter()
	router.Handle(cfg.WSPath, srv.Handler())
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(w, &connCount)
	})
	router.Handle("/metrics", reg.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during http shutdown")
	}
}

func handleHealth(w http.ResponseWriter, connCount *int64) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"connections": atomic.LoadInt64(connCount),
		"uptime":      time.Since(startedAt).Seconds(),
	})
}

// sampleProcessMetrics periodically feeds the process CPU/RSS gauges,
// grounded on go-server-2's collectMetrics.
func sampleProcessMetrics(reg *metrics.Registry, logger *zerolog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Error().Err(err).Msg("failed to get process handle for metrics sampling")
		proc = nil
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
				reg.ProcessCPUPercent.Set(percents[0])
			}
			if proc != nil {
				if memInfo, err := proc.MemoryInfo(); err == nil {
					reg.ProcessRSSBytes.Set(float64(memInfo.RSS))
				}
			}
		}
	}
}
