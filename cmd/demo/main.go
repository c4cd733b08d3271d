// Command demo wires the library against a real backend: it migrates a
// sample schema, runs a few operations, and serves Prometheus metrics until
// interrupted. It doubles as a smoke test for the Setup path.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lazyapps/lazycrud"
	"github.com/lazyapps/lazycrud/cachecrud"
	"github.com/lazyapps/lazycrud/config"
	"github.com/lazyapps/lazycrud/crud"
	"github.com/lazyapps/lazycrud/org"
	"github.com/lazyapps/lazycrud/ratelimit"
	"github.com/lazyapps/lazycrud/requestctx"
	"github.com/lazyapps/lazycrud/schema"
	"github.com/lazyapps/lazycrud/store"
)

const metricsAddr = ":2112"

// Note is the sample owned document.
type Note struct {
	schema.Owned
	Title  string
	Body   string
	Public bool `gorm:"column:is_public"`
}

func (n *Note) TableName() string { return "demo_notes" }
func (n *Note) IsPublic() bool    { return n.Public }

// Profile is the sample cached external entity. The fetcher below stands in
// for the upstream profile service.
type Profile struct {
	schema.CacheEntry
	DisplayName string
}

func (p *Profile) TableName() string { return "demo_profiles" }

func fetchProfile(_ context.Context, key string) (*Profile, error) {
	p := &Profile{DisplayName: "user " + key}
	p.SetKey(key)
	return p, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	backend, err := lazycrud.Setup(cfg)
	if err != nil {
		log.Fatalf("setup backend: %v", err)
	}
	defer backend.Close()
	logger := backend.Logger

	if err := backend.AutoMigrate(
		&Note{}, &Profile{},
		&org.Organization{}, &org.Member{}, &org.Invite{}, &org.JoinRequest{},
	); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	notes := crud.New(store.NewGorm[Note, *Note](backend.DB), backend.Tx, crud.Options{
		Public:       true,
		SearchColumn: "title",
		RateLimit: &ratelimit.Rule{
			Limit:     cfg.Limits.CreateLimit,
			Window:    cfg.Limits.CreateWindow,
			PerCaller: cfg.Limits.PerCaller,
		},
		Limiter: backend.Limiter,
		Files:   backend.Storage,
		Logger:  logger,
		Metrics: backend.Metrics,
	})

	orgs := org.NewService(
		store.NewGorm[org.Organization, *org.Organization](backend.DB),
		store.NewGorm[org.Member, *org.Member](backend.DB),
		store.NewGorm[org.Invite, *org.Invite](backend.DB),
		store.NewGorm[org.JoinRequest, *org.JoinRequest](backend.DB),
		backend.Tx,
		org.Options{
			InviteTTL: cfg.Org.InviteTTL,
			Files:     backend.Storage,
			Logger:    logger,
		},
	)

	profiles := cachecrud.New(
		store.NewGorm[Profile, *Profile](backend.DB),
		backend.Tx,
		fetchProfile,
		cachecrud.Options{
			TTL:     cfg.Cache.TTL,
			Breaker: true,
			Logger:  logger,
			Metrics: backend.Metrics,
		},
	)

	ctx := requestctx.WithUser(context.Background(), uuid.New())
	if err := smoke(ctx, notes, orgs, profiles); err != nil {
		log.Fatalf("smoke: %v", err)
	}
	logger.Info("smoke operations completed")

	// Sweep stale cache rows in the background.
	purgeCtx, stopPurge := context.WithCancel(context.Background())
	defer stopPurge()
	go func() {
		ticker := time.NewTicker(cfg.Cache.TTL)
		defer ticker.Stop()
		for {
			select {
			case <-purgeCtx.Done():
				return
			case <-ticker.C:
				if _, err := profiles.Purge(purgeCtx, cachecrud.PurgeBatch); err != nil {
					logger.Warn("cache purge failed", zap.Error(err))
				}
			}
		}
	}()

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			logger.Info("serving metrics", zap.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("metrics server: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
}

// smoke runs one operation through each generator.
func smoke(
	ctx context.Context,
	notes *crud.Resource[Note, *Note],
	orgs *org.Service,
	profiles *cachecrud.Cache[Profile, *Profile],
) error {
	note, err := notes.Create(ctx, &Note{Title: "hello", Body: "first note", Public: true})
	if err != nil {
		return fmt.Errorf("create note: %w", err)
	}
	if _, err := notes.Read(ctx, note.ID); err != nil {
		return fmt.Errorf("read note: %w", err)
	}

	slug := "demo-" + note.ID.String()[:8]
	if _, err := orgs.Create(ctx, "Demo Org", slug); err != nil {
		return fmt.Errorf("create org: %w", err)
	}

	res, err := profiles.Load(ctx, "demo-user")
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	res, err = profiles.Load(ctx, "demo-user")
	if err != nil {
		return fmt.Errorf("reload profile: %w", err)
	}
	if !res.CacheHit {
		return fmt.Errorf("expected a cache hit on reload")
	}
	return nil
}
