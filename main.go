package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridspace/auth"
	"gridspace/server"
	"gridspace/store"
)

// GridSpace 入口：加载配置，连接布局库，启动 HTTP + WebSocket 服务
func main() {
	var (
		addr     string
		seedDemo bool
	)
	flag.StringVar(&addr, "addr", "", "server listen address, overrides GRIDSPACE_ADDR, e.g. :3001")
	flag.BoolVar(&seedDemo, "seed-demo", false, "insert the demo space room-1 before serving")
	flag.Parse()

	cfg, err := server.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	// 使用第三方 zap 日志库写入日志文件（带滚动）
	if err := server.InitLogger(cfg.LogFile, cfg.LogLevel); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		server.Log.Fatalf("open store: %v", err)
	}
	defer db.Close()
	if seedDemo {
		if err := db.SeedDemo(context.Background()); err != nil {
			server.Log.Fatalf("seed demo: %v", err)
		}
		server.Log.Info("demo space room-1 seeded")
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, auth.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		server.Log.Fatalf("auth: %v", err)
	}
	hub, err := server.NewHub(cfg, server.Deps{Verifier: verifier, Layouts: db, Positions: db})
	if err != nil {
		server.Log.Fatalf("hub: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	// 管理与监控接口
	mux.HandleFunc("/admin/rooms", hub.HandleRooms)
	mux.HandleFunc("/metrics", hub.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		server.Log.Infof("GridSpace listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			server.Log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	server.Log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		server.Log.Warnf("http shutdown: %v", err)
	}
	if err := hub.Shutdown(ctx); err != nil {
		server.Log.Warnf("hub shutdown: %v", err)
	}
}
