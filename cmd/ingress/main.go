package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/meridianvc/dealflow/internal/config"
	"github.com/meridianvc/dealflow/internal/httpapi"
	"github.com/meridianvc/dealflow/internal/ingress"
	"github.com/meridianvc/dealflow/internal/queue"
	pulseclient "github.com/meridianvc/dealflow/internal/queue/clients/pulse"
	"github.com/meridianvc/dealflow/internal/store"
)

func main() {
	dbgF := flag.Bool("debug", false, "Enable debug logs")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	ctx = log.With(ctx, log.KV{K: "svc", V: cfg.ServiceName + "-ingress"})

	st, err := store.New(ctx, store.Options{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.PoolMax,
		Migrate:      true,
	})
	if err != nil {
		log.Fatalf(ctx, err, "connect store")
	}
	defer st.Close()
	if err := st.EnsureTenant(ctx, cfg.TenantID, cfg.ServiceName); err != nil {
		log.Fatalf(ctx, err, "ensure tenant")
	}

	var (
		q      queue.Queue
		checks = []health.Pinger{st}
	)
	if cfg.LocalDev {
		q, err = queue.NewHTTPQueue(queue.HTTPQueueOptions{WorkerURL: cfg.WorkerURL})
		if err != nil {
			log.Fatalf(ctx, err, "build local queue")
		}
	} else {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pc, err := pulseclient.New(pulseclient.Options{Redis: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "build pulse client")
		}
		pq, err := queue.NewPulseQueue(pc)
		if err != nil {
			log.Fatalf(ctx, err, "build queue")
		}
		q = pq
		checks = append(checks, pq)
	}

	svc, err := ingress.New(ingress.Options{
		Store:    st,
		Queue:    q,
		TenantID: cfg.TenantID,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build ingress service")
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		log.Print(ctx, log.KV{K: "msg", V: fmt.Sprintf("exiting (%v)", <-c)})
		cancel()
	}()

	if err := httpapi.Serve(ctx, ":"+cfg.HTTPPort, svc.Handler(ctx, checks...)); err != nil {
		log.Fatalf(ctx, err, "server exited")
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}
