package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/meridianvc/dealflow/internal/calendar"
	"github.com/meridianvc/dealflow/internal/config"
	"github.com/meridianvc/dealflow/internal/docs"
	"github.com/meridianvc/dealflow/internal/httpapi"
	"github.com/meridianvc/dealflow/internal/llm"
	"github.com/meridianvc/dealflow/internal/queue"
	pulseclient "github.com/meridianvc/dealflow/internal/queue/clients/pulse"
	"github.com/meridianvc/dealflow/internal/secrets"
	"github.com/meridianvc/dealflow/internal/store"
	"github.com/meridianvc/dealflow/internal/taskmgr"
	"github.com/meridianvc/dealflow/internal/worker"
)

const (
	calendarScope = "https://www.googleapis.com/auth/calendar"
	// llmRequestsPerMinute caps outbound model calls across all handlers.
	llmRequestsPerMinute = 60
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
	ctx = log.With(ctx, log.KV{K: "svc", V: cfg.ServiceName + "-worker"})

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
	dc, err := docs.New(docs.Options{
		Token: func(ctx context.Context) (string, error) { return sec.Get(ctx, "docs-token") },
	})
	if err != nil {
		log.Fatalf(ctx, err, "build docs client")
	}
	model, err := buildLLM(ctx, cfg, sec)
	if err != nil {
		log.Fatalf(ctx, err, "build model client")
	}

	var (
		q      queue.Queue
		runner *queue.Runner
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
		runner, err = queue.NewRunner(queue.RunnerOptions{
			Client:      pc,
			WorkerURL:   cfg.WorkerURL,
			TokenSource: identityTokenSource{audience: cfg.WorkerURL},
		})
		if err != nil {
			log.Fatalf(ctx, err, "build delivery runner")
		}
	}

	var auth worker.AuthFunc
	if !cfg.LocalDev {
		auth = worker.BearerAuth(cfg.TasksInvokerSAEmail, verifyGoogleIDToken)
	}

	svc, err := worker.New(worker.Options{
		Store:    st,
		Queue:    q,
		Calendar: cal,
		Tasks:    tasks,
		Docs:     dc,
		LLM:      model,
		Auth:     auth,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build worker service")
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		log.Print(ctx, log.KV{K: "msg", V: fmt.Sprintf("exiting (%v)", <-c)})
		cancel()
	}()

	if runner != nil {
		go func() {
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf(ctx, err, "delivery runner stopped")
				cancel()
			}
		}()
	}

	if err := httpapi.Serve(ctx, ":"+cfg.HTTPPort, svc.Handler(ctx, checks...)); err != nil {
		log.Fatalf(ctx, err, "server exited")
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}

// buildLLM selects the model backend and wraps it with the circuit breaker
// and rate limit.
func buildLLM(ctx context.Context, cfg config.Config, sec *secrets.Cache) (llm.Client, error) {
	var (
		base llm.Client
		err  error
	)
	switch cfg.LLMProvider {
	case "anthropic":
		var key string
		if key, err = sec.Get(ctx, "anthropic-api-key"); err == nil {
			base, err = llm.NewAnthropicFromAPIKey(key, cfg.LLMModel)
		}
	case "openai":
		var key string
		if key, err = sec.Get(ctx, "openai-api-key"); err == nil {
			base, err = llm.NewOpenAIFromAPIKey(key, cfg.LLMModel)
		}
	default:
		err = fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
	if err != nil {
		return nil, err
	}
	return llm.WithRateLimit(llm.WithBreaker(base), llmRequestsPerMinute), nil
}

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

// identityTokenSource mints OIDC identity tokens from the metadata server
// for queue-to-worker dispatch.
type identityTokenSource struct{ audience string }

func (s identityTokenSource) Token() (*oauth2.Token, error) {
	tok, err := metadata.GetWithContext(context.Background(),
		"instance/service-accounts/default/identity?audience="+url.QueryEscape(s.audience))
	if err != nil {
		return nil, fmt.Errorf("identity token: %w", err)
	}
	return &oauth2.Token{
		AccessToken: tok,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(45 * time.Minute),
	}, nil
}

// verifyGoogleIDToken validates a dispatch bearer token against the Google
// tokeninfo endpoint and returns the asserted identity.
func verifyGoogleIDToken(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://oauth2.googleapis.com/tokeninfo?id_token="+url.QueryEscape(token), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("tokeninfo: status %d", resp.StatusCode)
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified string `json:"email_verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return "", err
	}
	if claims.EmailVerified != "true" {
		return "", errors.New("email not verified")
	}
	return claims.Email, nil
}
