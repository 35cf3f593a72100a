package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vaxtrack.org/internal/httpapi"
	"vaxtrack.org/internal/obs"
	"vaxtrack.org/internal/otp"
	"vaxtrack.org/internal/rbac"
	"vaxtrack.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("VAX_PG_DSN")
	if dsn == "" {
		log.Fatal("VAX_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	secret := os.Getenv("VAX_AUTH_SECRET")
	if secret == "" {
		log.Fatal("VAX_AUTH_SECRET is required")
	}

	svc, err := rbac.NewService(store,
		rbac.WithTokenSecret(secret),
		rbac.WithIssuer(os.Getenv("VAX_TOKEN_ISSUER")),
		rbac.WithBootstrap(os.Getenv("VAX_BOOTSTRAP_TOKEN"), os.Getenv("VAX_ALLOW_OPEN_SIGNUP") == "true"),
	)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}

	redisAddr := os.Getenv("VAX_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	otpStore, err := otp.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("init otp store: %v", err)
	}
	defer otpStore.Close()

	api := httpapi.New(svc, otpStore, httpapi.ReadyProbe{DB: store, Redis: otpStore}, version)

	addr := os.Getenv("VAX_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting vaxtrack-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
