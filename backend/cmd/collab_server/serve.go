package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"docsync/backend/config"
	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/httpapi/handlers"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/revision"
	"docsync/backend/internal/store"
	"docsync/backend/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the collaboration server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides running.port)")
	serveCmd.Flags().Bool("memory", false, "keep revisions and snapshots in memory (no MySQL)")
	_ = v.BindPFlag("running.port", serveCmd.Flags().Lookup("port"))
}

// infra：serve 期间持有的外部连接，退出时统一关闭
type infra struct {
	deps     collab.Deps
	catalog  handlers.DocumentCatalog
	presence cache.PresenceCache
	closers  []func()
	kafka    *collab.KafkaDispatcher
}

func (in *infra) close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
}

func openInfra(ctx context.Context, cfg *config.Config, memory bool) (*infra, error) {
	in := &infra{}
	if memory || cfg.Mysql.DSN == "" {
		log.Warn().Msg("revisions kept in memory, nothing survives a restart")
		in.deps.Revisions = store.NewMemoryRevisionStore()
		in.deps.Snapshots = store.NewMemorySnapshotStore()
	} else {
		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		in.closers = append(in.closers, func() { _ = db.Close() })
		if err := db.PingContext(ctx); err != nil {
			in.close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			in.close()
			return nil, fmt.Errorf("open gorm: %w", err)
		}
		snapshots := store.NewSnapshotStore(gdb)
		if cfg.Mysql.AutoMigrate {
			if err := snapshots.AutoMigrate(); err != nil {
				in.close()
				return nil, fmt.Errorf("migrate snapshots: %w", err)
			}
		}
		in.deps.Revisions = store.NewRevisionStore(db)
		in.deps.Snapshots = snapshots
		in.catalog = store.NewDocumentStore(db)
	}

	if len(cfg.Redis.Addrs) > 0 {
		// 一个地址为单机客户端，多个地址为集群客户端
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		in.closers = append(in.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			in.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		in.presence = cache.NewRedisPresence(rdb)
		if cfg.Redis.WAL {
			in.deps.WAL = store.NewRedisWAL(rdb)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, collab.NewProducerConfig(cfg.Kafka.ClientID, gometrics.NewRegistry()))
		if err != nil {
			in.close()
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		in.closers = append(in.closers, func() { _ = producer.Close() })
		in.kafka = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(cfg.Kafka.Workers), collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		})
		in.deps.Events = in.kafka
	}
	return in, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	memory, _ := cmd.Flags().GetBool("memory")
	gin.SetMode(cfg.Running.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := openInfra(ctx, cfg, memory)
	if err != nil {
		return err
	}
	defer in.close()

	svc := collab.NewService(collab.ServiceConfig{
		Session: collab.SessionConfig{
			LockTimeout:        cfg.Collab.LockTimeout,
			HistoryCap:         cfg.Collab.HistoryCap,
			MaxReplayRevisions: cfg.Collab.MaxReplayRevisions,
			SnapshotEvery:      cfg.Collab.SnapshotEvery,
			Queue: revision.QueueOptions{
				FlushThreshold: cfg.Collab.FlushThreshold,
				FlushInterval:  cfg.Collab.FlushInterval,
			},
		},
		Registry: collab.RegistryConfig{
			IdleTTL:       cfg.Collab.IdleTTL,
			SweepInterval: cfg.Collab.SweepInterval,
		},
		SnapshotKeep: cfg.Collab.SnapshotKeep,
	}, in.deps)
	router := collab.NewRouter(svc, collab.RouterOptions{
		Workers:   cfg.Collab.RouterWorkers,
		QueueSize: cfg.Collab.RouterQueue,
	})

	hub := ws.NewHub(in.presence, cfg.Redis.PresenceTTL)
	manager := ws.NewManager(hub, svc, router, ws.NewUpgrader(cfg.Websocket.AllowedOrigins), ws.ConnOptions{
		SendBuffer: cfg.Websocket.SendBuffer,
		PongWait:   cfg.Websocket.PongWait,
	})
	principals := cache.NewPrincipalCache[collab.Principal](cache.PrincipalCacheOptions{
		TTL:           cfg.Auth.CacheTTL,
		SweepInterval: time.Minute,
	})
	defer principals.Close()

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.GET("/healthz", handlers.Healthz)
	r.GET("/metrics", handlers.Metrics)

	// 鉴权中间件会从 Authorization 或 ?token= 提取 token，并写入 userId/username
	g := r.Group("/collab")
	g.Use(middleware.AuthMiddleware(middleware.AuthConfig{
		Secret:      cfg.Auth.Secret,
		AuthBaseURL: cfg.Auth.Path,
		Cache:       principals,
	}))
	g.GET("/ws", manager.WebSocketConnect)
	handlers.NewDocuments(svc, in.catalog, hub).Register(g)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Running.Port).Bool("memory", memory).Msg("collab server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	router.Close()
	// 回收所有会话：刷盘 + 最后一次快照
	if err := svc.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("close sessions")
	}
	if in.kafka != nil {
		if err := in.kafka.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("close kafka dispatcher")
		}
	}
	return nil
}
