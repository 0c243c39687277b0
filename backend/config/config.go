package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"` // gin 模式：debug / release / test
	} `mapstructure:"running"`
	Log struct {
		Level   string `mapstructure:"level"`
		Console bool   `mapstructure:"console"`
	} `mapstructure:"log"`
	Mysql struct {
		DSN         string `mapstructure:"dsn"`
		AutoMigrate bool   `mapstructure:"automigrate"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs       []string      `mapstructure:"addrs"` // 一个地址为单机，多个为集群
		Password    string        `mapstructure:"password"`
		WAL         bool          `mapstructure:"wal"`
		PresenceTTL time.Duration `mapstructure:"presencettl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		ClientID  string   `mapstructure:"clientid"`
		QueueSize int      `mapstructure:"queuesize"`
		Workers   int      `mapstructure:"workers"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path     string        `mapstructure:"path"`
		Secret   string        `mapstructure:"secret"`
		CacheTTL time.Duration `mapstructure:"cachettl"`
	} `mapstructure:"auth"`
	Collab    CollabConfig    `mapstructure:"collab"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
}

type CollabConfig struct {
	LockTimeout        time.Duration `mapstructure:"locktimeout"`
	HistoryCap         int           `mapstructure:"historycap"`
	MaxReplayRevisions int64         `mapstructure:"maxreplayrevisions"`
	SnapshotEvery      int64         `mapstructure:"snapshotevery"`
	SnapshotKeep       int           `mapstructure:"snapshotkeep"`
	FlushThreshold     int           `mapstructure:"flushthreshold"`
	FlushInterval      time.Duration `mapstructure:"flushinterval"`
	IdleTTL            time.Duration `mapstructure:"idlettl"`
	SweepInterval      time.Duration `mapstructure:"sweepinterval"`
	RouterWorkers      int           `mapstructure:"routerworkers"`
	RouterQueue        int           `mapstructure:"routerqueue"`
}

type WebsocketConfig struct {
	AllowedOrigins []string      `mapstructure:"allowedorigins"`
	SendBuffer     int           `mapstructure:"sendbuffer"`
	PongWait       time.Duration `mapstructure:"pongwait"`
}

type GatewayConfig struct {
	Port         int      `mapstructure:"port"`
	CollabURL    string   `mapstructure:"collaburl"`
	AuthURL      string   `mapstructure:"authurl"`
	AllowOrigins []string `mapstructure:"alloworigins"`
}

// SetDefaults 所有键都要有默认值，AutomaticEnv 才能在 Unmarshal 时覆盖
func SetDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8081)
	v.SetDefault("running.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.automigrate", false)
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.wal", false)
	v.SetDefault("redis.presencettl", "600s")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-revisions")
	v.SetDefault("kafka.clientid", "docsync-collab")
	v.SetDefault("kafka.queuesize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("auth.path", "http://localhost:3001")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.cachettl", "1m")
	v.SetDefault("collab.locktimeout", "300ms")
	v.SetDefault("collab.historycap", 1024)
	v.SetDefault("collab.maxreplayrevisions", 500)
	v.SetDefault("collab.snapshotevery", 50)
	v.SetDefault("collab.snapshotkeep", 5)
	v.SetDefault("collab.flushthreshold", 32)
	v.SetDefault("collab.flushinterval", "300ms")
	v.SetDefault("collab.idlettl", "10m")
	v.SetDefault("collab.sweepinterval", "1m")
	v.SetDefault("collab.routerworkers", 8)
	v.SetDefault("collab.routerqueue", 256)
	v.SetDefault("websocket.allowedorigins", []string{})
	v.SetDefault("websocket.sendbuffer", 256)
	v.SetDefault("websocket.pongwait", "60s")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.collaburl", "http://localhost:8081")
	v.SetDefault("gateway.authurl", "http://localhost:3001")
	v.SetDefault("gateway.alloworigins", []string{"http://localhost:5173"})
}

// Load 读取 yaml 配置文件，环境变量 DOCSYNC_<SECTION>_<KEY> 覆盖文件中的值。
// file 为空时按 collabConfig.yaml 的常用位置查找，找不到文件时只用默认值和环境变量。
func Load(v *viper.Viper, file string) (*Config, error) {
	// .env 只补充没有设置的环境变量
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	SetDefaults(v)
	v.SetEnvPrefix("docsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
