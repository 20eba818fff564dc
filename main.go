package main

import (
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dealtalk/internal/api"
	"dealtalk/internal/catalog"
	"dealtalk/internal/config"
	"dealtalk/internal/identity"
	"dealtalk/internal/negotiate"
	"dealtalk/internal/redis"
	"dealtalk/internal/resolver"
	"dealtalk/internal/storage"
	"dealtalk/internal/store"
	"dealtalk/internal/view"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	log := zap.S()

	cfg, err := config.Load(os.Getenv("DEALTALK_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var (
		chatStore   store.Store
		storeServer *api.StoreServer
	)
	switch cfg.Store.Mode {
	case "embedded":
		db, err := storage.Open(cfg.Store.Driver, cfg)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		if err := storage.Migrate(db, cfg.Store.Driver); err != nil {
			log.Fatalf("migrate database: %v", err)
		}
		sqlStore := store.NewSQLStore(db)
		chatStore = sqlStore
		storeServer = api.NewStoreServer(sqlStore, cfg.Store.Token)
	case "http":
		httpStore, err := store.NewHTTPStore(cfg.Store.BaseURL, cfg.Store.Token)
		if err != nil {
			log.Fatalf("create store client: %v", err)
		}
		chatStore = httpStore
	}

	var cache *redis.Client
	if !cfg.Redis.Disabled {
		cache, err = redis.NewClient(cfg.Redis)
		if err != nil {
			log.Warnf("redis unavailable, running without cache: %v", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	var cat catalog.Catalog
	if cfg.Catalog.BaseURL != "" {
		cat = catalog.NewCached(catalog.NewHTTPCatalog(cfg.Catalog.BaseURL), cache, cfg.Catalog.CacheTTL())
	} else {
		log.Warn("catalog.base_url not configured, counterparts resolve as unlisted")
		cat = catalog.Unavailable{}
	}

	engine := negotiate.NewEngine(cat, chatStore, cfg.Negotiation.Step())
	manager := view.NewManager(chatStore, cat, engine, view.Options{
		SessionListInterval: cfg.Poll.SessionListInterval(),
		MessageInterval:     cfg.Poll.MessageInterval(),
	}, cache)
	defer manager.Shutdown()

	verifier := identity.NewVerifier(cfg.Auth.JWTSecret)
	handler := api.NewHandler(manager, verifier, resolver.New(chatStore), cat)

	router := gin.Default()
	handler.RegisterRoutes(router)
	if storeServer != nil {
		storeServer.RegisterRoutes(router)
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
