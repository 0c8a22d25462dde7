// Command bootstrap prepares a fresh environment: it applies schema
// migrations, creates the media bucket, and seeds the root navigation job
// so a new deployment starts crawling without manual enqueues.
package main

import (
	"context"
	"log"
	"time"

	"github.com/foliosource/bindery/internal/adapter/objectstore/minio"
	"github.com/foliosource/bindery/internal/adapter/repo/postgres"
	"github.com/foliosource/bindery/internal/config"
	"github.com/foliosource/bindery/internal/domain"
	"github.com/foliosource/bindery/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	if err := postgres.WaitReady(ctx, pool, 60*time.Second); err != nil {
		log.Fatal(err)
	}
	if err := postgres.Migrate(ctx, cfg.DBURL); err != nil {
		log.Fatal(err)
	}
	log.Println("schema migrated")

	store, err := minio.New(minio.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		KeyID:     cfg.ObjectStoreKeyID,
		Secret:    cfg.ObjectStoreSecret,
		Bucket:    cfg.ObjectStoreBucket,
		PublicURL: cfg.ObjectStorePublicURL,
		UseSSL:    cfg.ObjectStoreUseSSL,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatal(err)
	}
	log.Printf("bucket %s ready", cfg.ObjectStoreBucket)

	// Enqueue hands back the live job when one already exists, so running
	// bootstrap twice cannot double-seed the crawl.
	queue := postgres.NewQueueRepo(pool, cfg.LockTTL)
	enq := usecase.NewEnqueueService(queue, cfg.RetryAttempts)
	job, err := enq.Enqueue(ctx, domain.EnqueueRequest{
		Type:      domain.JobTypeNavigation,
		TargetURL: cfg.BaseSiteURL,
		Priority:  10,
		Metadata:  map[string]any{"seeded": true},
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("root navigation job queued: %s", job.ID)
}
