package main

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docsync/backend/config"
	"docsync/backend/internal/logging"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func newProxy(raw string) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("bad upstream url %q", raw)
	}
	p := httputil.NewSingleHostReverseProxy(u)
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn().Err(err).Str("upstream", u.Host).Str("path", r.URL.Path).Msg("proxy error")
		w.WriteHeader(http.StatusBadGateway)
	}
	return p, nil
}

func newEngine(cfg config.GatewayConfig) (*gin.Engine, error) {
	collabProxy, err := newProxy(cfg.CollabURL)
	if err != nil {
		return nil, err
	}
	authProxy, err := newProxy(cfg.AuthURL)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	allowAll := len(cfg.AllowOrigins) == 0
	r.Use(cors.New(cors.Config{
		// 未配置时允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc: func(origin string) bool {
			if allowAll {
				return true
			}
			for _, o := range cfg.AllowOrigins {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "docid", "docId", "doc_id"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.Any("/auth/*any", func(c *gin.Context) {
		// 把 /auth/... 映射到 /v1/auth/...
		c.Request.URL.Path = "/v1" + c.Request.URL.Path
		authProxy.ServeHTTP(c.Writer, c.Request)
	})
	// /api/documents/... -> /collab/documents/...
	r.Any("/api/*any", func(c *gin.Context) {
		c.Request.URL.Path = "/collab" + c.Param("any")
		collabProxy.ServeHTTP(c.Writer, c.Request)
	})
	r.GET("/ws", func(c *gin.Context) {
		c.Request.URL.Path = "/collab/ws"
		collabProxy.ServeHTTP(c.Writer, c.Request)
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "version": buildVersion, "commit": buildCommit})
	})
	return r, nil
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "gateway",
	Short:        "HTTP/websocket gateway in front of the collaboration and auth services",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(viper.New(), cfgFile)
		if err != nil {
			return fmt.Errorf("init config: %w", err)
		}
		logging.Setup(cfg.Log.Level, cfg.Log.Console)
		gin.SetMode(cfg.Running.Mode)

		r, err := newEngine(cfg.Gateway)
		if err != nil {
			return err
		}
		log.Info().Int("port", cfg.Gateway.Port).Str("collab", cfg.Gateway.CollabURL).Msg("gateway listening")
		return r.Run(fmt.Sprintf(":%d", cfg.Gateway.Port))
	},
}

func main() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default collabConfig.yaml)")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
