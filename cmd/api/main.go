package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fedvault.org/internal/audit"
	"fedvault.org/internal/cache"
	"fedvault.org/internal/config"
	"fedvault.org/internal/datamodel"
	"fedvault.org/internal/dataset"
	"fedvault.org/internal/docstore"
	"fedvault.org/internal/federation"
	"fedvault.org/internal/httpapi"
	"fedvault.org/internal/identity"
	"fedvault.org/internal/keycustody"
	"fedvault.org/internal/mailer"
	"fedvault.org/internal/obs"
	"fedvault.org/internal/provision"
)

var version = "0.3.0"

func main() {
	configPath := flag.String("config", os.Getenv("FEDVAULT_CONFIG"), "path to YAML config file")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, "")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Version != "" {
		version = cfg.Version
	}

	ctx := context.Background()

	// Document store: MongoDB when configured, in-memory otherwise so the
	// service can run without external dependencies in development.
	var store docstore.Store
	var mongo *docstore.Mongo
	if cfg.MongoURI != "" {
		openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		mongo, err = docstore.OpenMongo(openCtx, cfg.MongoURI, cfg.MongoDatabase)
		cancel()
		if err != nil {
			log.Fatalf("open mongo: %v", err)
		}
		store = mongo
	} else {
		log.Printf("no mongo_uri configured, using in-memory document store")
		store = docstore.NewMemory()
	}

	// Basic-info cache: redis when configured, process-local otherwise.
	var basicInfo cache.Cache
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		basicInfo = cache.NewRedis(redisClient, cache.DefaultTTL)
	} else {
		basicInfo = cache.NewMemory(cache.DefaultTTL)
	}

	var objects dataset.ObjectStore
	if cfg.StorageEndpoint != "" {
		objects, err = dataset.NewMinioStore(cfg.StorageEndpoint, cfg.StorageAccessKey,
			cfg.StorageSecretKey, cfg.StorageBucket, cfg.StorageSecure)
		if err != nil {
			log.Fatalf("open object storage: %v", err)
		}
	} else {
		log.Fatalf("storage_endpoint is required")
	}

	// The local vault stands in for the cloud key-custody service.
	vault := keycustody.NewLocalVault()

	tokens, err := identity.NewTokenIssuer(cfg.JWTSecret, cfg.RefreshSecret)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	mail := mailer.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword)

	idsvc := identity.NewService(store, cfg.PasswordPepper)
	datasets := dataset.NewService(store, objects, vault)
	datamodels := datamodel.NewService(store)
	feds := federation.NewService(store, vault, datasets, mail)
	provisions := provision.NewService(store, feds, datasets,
		provision.NewAgentDeployer(cfg.DeployAgent),
		provision.NewHTTPDNS(cfg.DNSIP),
		provision.Config{
			Owner:          cfg.Owner,
			BaseDomain:     cfg.BaseDomain,
			ImageVersion:   cfg.SCNImage,
			AuditEndpoint:  cfg.AuditService,
			StorageAccount: cfg.StorageEndpoint,
			StorageKey:     cfg.StorageSecretKey,
		})

	// Startup reconciliation: re-apply memberships whose invite resolution
	// was interrupted.
	if err := feds.Repair(ctx); err != nil {
		log.Printf("federation repair: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		Identity:   idsvc,
		Tokens:     tokens,
		Datasets:   datasets,
		DataModels: datamodels,
		Federation: feds,
		Provision:  provisions,
		Audit:      audit.NewQuerier(cfg.AuditService),
		BasicInfo:  basicInfo,
		Ready: func(ctx context.Context) error {
			if mongo != nil {
				if err := mongo.Ping(ctx); err != nil {
					return err
				}
			}
			if redisClient != nil {
				return redisClient.Ping(ctx).Err()
			}
			return nil
		},
		Version: version,
	})

	handler := httpapi.RateLimit(api.Handler(), cfg.RateLimitBurst, cfg.RateLimitRPS)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting fedvault-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if mongo != nil {
		_ = mongo.Close(shutdownCtx)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	log.Println("Stopped")
}
