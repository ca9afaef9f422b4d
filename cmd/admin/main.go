package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/meridianvc/dealflow/internal/admin"
	"github.com/meridianvc/dealflow/internal/calendar"
	"github.com/meridianvc/dealflow/internal/config"
	"github.com/meridianvc/dealflow/internal/httpapi"
	"github.com/meridianvc/dealflow/internal/secrets"
	"github.com/meridianvc/dealflow/internal/store"
	"github.com/meridianvc/dealflow/internal/taskmgr"
)

const calendarScope = "https://www.googleapis.com/auth/calendar"

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
	ctx = log.With(ctx, log.KV{K: "svc", V: cfg.ServiceName + "-admin"})
	if cfg.IngressPublicBaseURL == "" {
		log.Fatal(ctx, fmt.Errorf("INGRESS_PUBLIC_BASE_URL is required"))
	}

	sec := secrets.Default(func() secrets.Source { return secretSource(ctx, cfg) })

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

	cal, err := calendar.New(calendar.Options{TokenSource: calendarTokenSource(ctx, cfg, sec)})
	if err != nil {
		log.Fatalf(ctx, err, "build calendar client")
	}
	tasks, err := taskmgr.New(taskmgr.Options{
		Token: func(ctx context.Context) (string, error) { return sec.Get(ctx, "tasks-token") },
	})
	if err != nil {
		log.Fatalf(ctx, err, "build tasks client")
	}

	svc, err := admin.New(admin.Options{
		Store:          st,
		Calendar:       cal,
		Tasks:          tasks,
		TenantID:       cfg.TenantID,
		IngressBaseURL: cfg.IngressPublicBaseURL,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build admin service")
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		log.Print(ctx, log.KV{K: "msg", V: fmt.Sprintf("exiting (%v)", <-c)})
		cancel()
	}()

	if err := httpapi.Serve(ctx, ":"+cfg.HTTPPort, svc.Handler(ctx, st)); err != nil {
		log.Fatalf(ctx, err, "server exited")
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}

// secretSource picks the environment in local development and the hosted
// secret manager otherwise.
func secretSource(ctx context.Context, cfg config.Config) secrets.Source {
	if cfg.LocalDev {
		return secrets.NewEnv()
	}
	ts, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		log.Fatalf(ctx, err, "default credentials")
	}
	src, err := secrets.NewREST(secrets.RESTOptions{Project: cfg.ProjectID, TokenSource: ts})
	if err != nil {
		log.Fatalf(ctx, err, "build secret source")
	}
	return src
}

// calendarTokenSource authenticates calendar calls: ambient credentials in
// the hosted environment, a static token from the secret source locally.
func calendarTokenSource(ctx context.Context, cfg config.Config, sec *secrets.Cache) oauth2.TokenSource {
	if cfg.LocalDev {
		tok, err := sec.Get(ctx, "calendar-token")
		if err != nil {
			log.Fatalf(ctx, err, "calendar token")
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok})
	}
	ts, err := google.DefaultTokenSource(ctx, calendarScope)
	if err != nil {
		log.Fatalf(ctx, err, "calendar credentials")
	}
	return ts
}
