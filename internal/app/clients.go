package app

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/contentforge-backend/internal/platform/gcp"
	"github.com/yungbote/contentforge-backend/internal/platform/localmedia"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/platform/openai"
	"github.com/yungbote/contentforge-backend/internal/platform/redislock"
	"github.com/yungbote/contentforge-backend/internal/platform/slides"
	"github.com/yungbote/contentforge-backend/internal/platform/webpage"
	"github.com/yungbote/contentforge-backend/internal/realtime/bus"
)

// Clients holds the external connections. Redis, Bus, Locks, Speech, Search and Store are nil
// when their feature is not configured.
type Clients struct {
	AI     openai.Client
	Redis  *goredis.Client
	Bus    bus.Bus
	Locks  *redislock.Locker
	Speech gcp.Transcriber
	Search gcp.Searcher
	Store  gcp.ObjectStore
	Media  localmedia.Tools
	Pages  webpage.Fetcher
	Slides *slides.Renderer
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients

	ai, err := openai.NewClient(log, cfg.OpenAI)
	if err != nil {
		return Clients{}, fmt.Errorf("init openai client: %w", err)
	}
	out.AI = ai

	// Redis
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return Clients{}, fmt.Errorf("redis ping %s: %w", addr, err)
		}
		b, err := bus.NewRedisBus(log, rdb, cfg.Redis.Channel)
		if err != nil {
			_ = rdb.Close()
			return Clients{}, fmt.Errorf("init redis SSE bus: %w", err)
		}
		out.Redis = rdb
		out.Bus = b
		out.Locks = redislock.New(rdb, "contentforge:job:", cfg.Redis.LockTTL)
	} else {
		log.Warn("REDIS_ADDR not set; progress events stay in-process and job locks fall back to the database")
	}

	// Gcp
	if cfg.Speech.Enabled {
		sp, err := gcp.NewSpeech(ctx, log)
		if err != nil {
			out.Close()
			return Clients{}, fmt.Errorf("init speech client: %w", err)
		}
		out.Speech = sp
	}
	if cfg.Search.Enabled() {
		s, err := gcp.NewSearch(ctx, log, cfg.Search)
		if err != nil {
			out.Close()
			return Clients{}, fmt.Errorf("init search client: %w", err)
		}
		out.Search = s
	} else {
		log.Warn("SEARCH_API_KEY or SEARCH_ENGINE_ID not set; competitor pages are suggested by the model")
	}
	store, err := resolveObjectStore(ctx, log, cfg.Storage)
	if err != nil {
		out.Close()
		return Clients{}, err
	}
	if store != nil {
		out.Store = store
	}

	out.Media = localmedia.New(log, cfg.Media)
	out.Pages = webpage.New(log, cfg.Webpage)
	renderer, err := slides.NewRenderer(cfg.Slides)
	if err != nil {
		out.Close()
		return Clients{}, fmt.Errorf("init slide renderer: %w", err)
	}
	out.Slides = renderer

	return out, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Bus != nil {
		_ = c.Bus.Close()
	}
	if c.Speech != nil {
		_ = c.Speech.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
