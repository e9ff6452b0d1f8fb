// Command tldraw-repair inspects a single document and optionally repairs
// it. A document needing repair holds pending operations whose causal
// predecessors never arrived; such operations can never integrate and keep
// the pending buffer alive forever. Repair drops them, persists the
// integrated state as a fresh snapshot, and removes the superseded
// references.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/assembler"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/bus"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/config"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/logger"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/storage"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/storage/s3storage"
)

func main() {
	_ = godotenv.Load(".env")

	cfgPath := flag.String("config", os.Getenv("TLDRAW_CONFIG"), "path to YAML config file")
	room := flag.String("room", "", "room of the document")
	docID := flag.String("doc", "", "document id")
	repair := flag.Bool("repair", false, "drop unintegratable pending operations and re-persist")
	flag.Parse()

	if *room == "" || *docID == "" {
		log.Fatal("both -room and -doc are required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.InitWithLevel(cfg.Logging.Level)

	ctx := context.Background()
	if err := run(ctx, cfg, *room, *docID, *repair); err != nil {
		logger.Error("repair_failed", "room", *room, "doc", *docID, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, room, docID string, repair bool) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Destroy()

	messageBus := bus.New(rdb, cfg.Redis.Prefix)
	docs := assembler.New(messageBus, store, cfg.Redis.Prefix)

	assembled, err := docs.GetDoc(ctx, room, docID)
	if err != nil {
		return err
	}
	defer assembled.Awareness.Destroy()

	fmt.Printf("document %s/%s\n", room, docID)
	fmt.Printf("  operations:   %d\n", assembled.Doc.OpCount())
	fmt.Printf("  references:   %d\n", len(assembled.StoreReferences))
	fmt.Printf("  last stream id: %s\n", assembled.LastID)

	if !assembled.Doc.HasPending() {
		fmt.Println("  pending:      none, document is healthy")
		return nil
	}

	info := assembled.Doc.PendingInfo()
	fmt.Printf("  pending:      %d operations\n", info.Ops)
	for client, clock := range info.Missing {
		fmt.Printf("    client %d waiting for clock %d\n", client, clock)
	}

	if !repair {
		fmt.Println("rerun with -repair to drop pending operations and re-persist")
		return nil
	}

	assembled.Doc.DropPending()
	if err := store.PersistDoc(ctx, room, docID, assembled.Doc); err != nil {
		return fmt.Errorf("persist repaired snapshot: %w", err)
	}
	if len(assembled.StoreReferences) > 0 {
		if err := store.DeleteReferences(ctx, room, docID, assembled.StoreReferences); err != nil {
			return fmt.Errorf("delete superseded references: %w", err)
		}
	}
	logger.Info("document_repaired", "room", room, "doc", docID, "dropped_ops", info.Ops)
	fmt.Println("repaired: pending operations dropped, snapshot rewritten")
	return nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.DocumentStorage, error) {
	switch cfg.Backend {
	case "memory":
		return nil, fmt.Errorf("the memory backend holds no persisted documents to repair")
	case "pebble":
		return storage.OpenPebble(cfg.Pebble.Path)
	case "s3":
		return s3storage.New(ctx, s3storage.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
