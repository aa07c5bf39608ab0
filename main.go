package main

import (
	"context"
	"hash/fnv"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bapcai02/NovaChat-sub000/global"
	"github.com/bapcai02/NovaChat-sub000/logger"
	"github.com/bapcai02/NovaChat-sub000/module/chat/eventlog"
	"github.com/bapcai02/NovaChat-sub000/module/chat/member"
	"github.com/bapcai02/NovaChat-sub000/module/chat/seq"
	chatsvc "github.com/bapcai02/NovaChat-sub000/service/chat"
	"github.com/bapcai02/NovaChat-sub000/service/kafka"
	"github.com/bapcai02/NovaChat-sub000/service/natsx"
	"github.com/bapcai02/NovaChat-sub000/service/storage"
	"github.com/bapcai02/NovaChat-sub000/tools/ids"
	"github.com/bapcai02/NovaChat-sub000/tools/security"
)

// 节点名映射到雪花 nodeID（0~1023）
func nodeIndex(nodeID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return int64(h.Sum32() % 1024)
}

func main() {
	global.LoadConfig()
	cfg := global.Config
	ids.SetNodeID(nodeIndex(cfg.NodeID))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// ===== 存储 =====
	var mongoDB *mongo.Database
	if cfg.MongoURI != "" {
		cli, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			logger.Errorf("mongo connect failed: %v", err)
			os.Exit(1)
		}
		mongoDB = cli.Database(cfg.MongoDB)
	}

	var store eventlog.Store
	switch {
	case cfg.PgDSN != "":
		pool, err := pgxpool.New(ctx, cfg.PgDSN)
		if err != nil {
			logger.Errorf("pg connect failed: %v", err)
			os.Exit(1)
		}
		store, err = eventlog.NewPgStore(ctx, pool)
		if err != nil {
			logger.Errorf("pg store init failed: %v", err)
			os.Exit(1)
		}
	case mongoDB != nil:
		var err error
		store, err = eventlog.NewMongoStore(ctx, mongoDB)
		if err != nil {
			logger.Errorf("mongo store init failed: %v", err)
			os.Exit(1)
		}
	default:
		logger.Warn("no event store configured, using in-memory store")
		store = eventlog.NewMemStore()
	}

	var members member.Table
	if mongoDB != nil {
		var err error
		members, err = member.NewMongoTable(ctx, mongoDB)
		if err != nil {
			logger.Errorf("member table init failed: %v", err)
			os.Exit(1)
		}
	} else {
		members = member.NewMemTable()
	}

	// ===== 发号器 / presence =====
	var sequencer seq.Sequencer = seq.NewMemory()
	presence := storage.NewMemPresence()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Errorf("redis ping failed: %v", err)
			os.Exit(1)
		}
		sequencer = seq.NewRedis(rdb, store)
		presence = storage.NewRedisPresence(rdb)
	}

	log := eventlog.New(store, sequencer)

	// ===== relay / archiver =====
	var relay chatsvc.Relay
	var natsRelay *natsx.Relay
	if cfg.NatsURL != "" {
		r, err := natsx.New(cfg.NatsURL, cfg.NodeID)
		if err != nil {
			logger.Errorf("nats relay init failed: %v", err)
			os.Exit(1)
		}
		relay = r
		natsRelay = r
	}

	var archiver chatsvc.Archiver
	if len(cfg.KafkaAddrs) > 0 {
		a, err := kafka.NewArchiver(cfg.KafkaAddrs, cfg.KafkaTopic)
		if err != nil {
			logger.Errorf("kafka archiver init failed: %v", err)
			os.Exit(1)
		}
		archiver = a
	}

	// ===== core =====
	sessions := chatsvc.NewSessionManager(log, members, chatsvc.SessionConf{
		BufferCap: cfg.SessionBufferCap,
	})
	fanout := chatsvc.NewFanout(sessions, relay, archiver, cfg.FanoutWorkers, 0)
	core := chatsvc.NewCore(log, members, sessions, fanout, chatsvc.CoreConf{
		PipelineWorkers: cfg.PipelineWorkers,
	})

	if natsRelay != nil {
		if err := natsRelay.SubscribeDeliver(core.DeliverRemote); err != nil {
			logger.Errorf("nats subscribe failed: %v", err)
			os.Exit(1)
		}
	}

	// ===== 网关 =====
	jwtOpts := security.Options{Secret: []byte(cfg.JWTSecret), Alg: cfg.JWTAlg, TTL: cfg.JWTTTL}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	ws := chatsvc.NewWsServer(core, jwtOpts, cfg.NodeID, presence)
	ws.Attach(r)
	chatsvc.NewApiServer(core, presence, jwtOpts).Attach(r)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.Infof("node %s listening on %s", cfg.NodeID, cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	ws.Close()
	core.Close()
	if natsRelay != nil {
		natsRelay.Close()
	}
	if archiver != nil {
		archiver.Close()
	}
	logger.Info("bye")
}
