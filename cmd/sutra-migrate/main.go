package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cuemby/sutra-memory/internal/embedclient"
	"github.com/cuemby/sutra-memory/internal/engine"
	"github.com/cuemby/sutra-memory/internal/memory"
	"github.com/cuemby/sutra-memory/internal/pipeline"
	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/pkg/client"
)

const defaultWriteLogCapacity = 4096

var (
	dataDir      = flag.String("data-dir", "", "existing sutra-memory data directory to migrate from (required)")
	outDir       = flag.String("out-dir", "", "fresh data directory to migrate into (required, must not already exist)")
	dim          = flag.Int("dim", 0, "target embedding dimension; 0 keeps the source dimension")
	shards       = flag.Int("shards", 0, "target shard count; 0 keeps the source shard count")
	embeddingURL = flag.String("embedding-url", "", "HTTP embedding service URL, required when --dim changes the dimension")
	dryRun       = flag.Bool("dry-run", false, "report what would be migrated without writing --out-dir")
)

// sourceMeta mirrors internal/engine's unexported meta.json shape; kept
// local since that type isn't exported across the package boundary.
type sourceMeta struct {
	Dim    int `json:"dim"`
	Shards int `json:"shards"`
}

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("sutra-memory migration tool - D-dimension / shard-count change")
	log.Println("=================================================================")

	if *dataDir == "" {
		log.Fatalf("--data-dir is required")
	}
	if !*dryRun && *outDir == "" {
		log.Fatalf("--out-dir is required unless --dry-run is set")
	}

	src, err := readSourceMeta(*dataDir)
	if err != nil {
		log.Fatalf("Failed to read source meta.json: %v", err)
	}
	log.Printf("Source: %s (dim=%d, shards=%d)", *dataDir, src.Dim, src.Shards)

	targetDim := *dim
	if targetDim == 0 {
		targetDim = src.Dim
	}
	targetShards := *shards
	if targetShards == 0 {
		targetShards = src.Shards
	}
	log.Printf("Target: dim=%d, shards=%d", targetDim, targetShards)

	if targetDim == src.Dim && targetShards == src.Shards {
		log.Println("✓ Target matches source already - nothing to migrate")
		return
	}
	if targetDim != src.Dim && *embeddingURL == "" {
		log.Fatalf("--embedding-url is required to re-embed content when --dim changes")
	}

	concepts, assocs, err := loadSourceShards(*dataDir, src.Dim, src.Shards)
	if err != nil {
		log.Fatalf("Failed to load source shards: %v", err)
	}
	log.Printf("Found %d concepts and %d associations to migrate", len(concepts), len(assocs))

	if *dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		log.Printf("1. Initialize %s with dim=%d, shards=%d", *outDir, targetDim, targetShards)
		if targetDim != src.Dim {
			log.Printf("2. Re-embed %d concepts via %s", len(concepts), *embeddingURL)
		} else {
			log.Printf("2. Copy %d concepts' existing embeddings unchanged", len(concepts))
		}
		log.Printf("3. Re-learn %d associations", len(assocs))
		log.Println("\nDry run completed. No changes made.")
		return
	}

	if _, err := os.Stat(*outDir); err == nil {
		log.Fatalf("%s already exists; refusing to overwrite", *outDir)
	}

	if err := migrate(targetDim, targetShards, src.Dim, concepts, assocs); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("\n✓ Migration completed successfully!")
	log.Printf("New data directory: %s", *outDir)
	log.Println("The original data directory was not modified; remove it once you've verified the result.")
}

func readSourceMeta(dir string) (sourceMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return sourceMeta{}, err
	}
	var m sourceMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return sourceMeta{}, err
	}
	return m, nil
}

// loadSourceShards recovers every shard of an existing data directory
// read-only and returns its concepts and associations flattened across
// shard boundaries. Content-hash concept ids are stable regardless of
// shard count, so associations need no remapping on re-shard.
func loadSourceShards(dir string, dim, shardCount int) ([]*readview.Concept, []readview.Association, error) {
	var concepts []*readview.Concept
	var assocs []readview.Association

	for i := 0; i < shardCount; i++ {
		shardDir := filepath.Join(dir, fmt.Sprintf("shard-%d", i))
		rec, err := memory.Recover(
			dim,
			filepath.Join(shardDir, "wal.log"),
			filepath.Join(shardDir, "storage.dat"),
			filepath.Join(shardDir, "storage.idx"),
			fmt.Sprintf("%d", i),
			defaultWriteLogCapacity,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("shard %d: %w", i, err)
		}

		c, a := rec.Memory.Applier().Snapshot()
		concepts = append(concepts, c...)
		assocs = append(assocs, a...)

		if err := rec.WAL.Close(); err != nil {
			return nil, nil, fmt.Errorf("shard %d: close wal: %w", i, err)
		}
	}

	return concepts, assocs, nil
}

// migrate boots a fresh Engine against *outDir and replays every source
// concept and association through pkg/client exactly as a normal
// caller would, so cross-shard association routing goes through the
// same txncoord path a live deployment uses.
func migrate(targetDim, targetShards, sourceDim int, concepts []*readview.Concept, assocs []readview.Association) error {
	var embedder pipeline.EmbeddingClient
	if *embeddingURL != "" {
		embedder = embedclient.New(*embeddingURL)
	}

	e, err := engine.New(engine.Options{
		DataDir: *outDir,
		Dim:     targetDim,
		Shards:  targetShards,
		Bind:    "127.0.0.1:0",
		DevMode: true,
	}, embedder, nil)
	if err != nil {
		return fmt.Errorf("initialize destination: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	c, err := client.Dial(e.Addr())
	if err != nil {
		return fmt.Errorf("dial destination: %w", err)
	}
	defer c.Close()

	reembed := targetDim != sourceDim
	for n, concept := range concepts {
		var err error
		if reembed {
			_, err = c.LearnConceptV2(concept.Content, concept.Strength, concept.Confidence, concept.Metadata)
		} else {
			_, err = c.LearnConcept(concept.Content, concept.Embedding, concept.Strength, concept.Confidence, concept.Metadata)
		}
		if err != nil {
			return fmt.Errorf("learn concept %s: %w", concept.ID, err)
		}
		if (n+1)%100 == 0 {
			log.Printf("  Migrated %d/%d concepts...", n+1, len(concepts))
		}
	}
	log.Printf("✓ Migrated %d/%d concepts", len(concepts), len(concepts))

	if err := c.Flush(); err != nil {
		return fmt.Errorf("flush after concepts: %w", err)
	}

	for n, a := range assocs {
		if err := c.LearnAssociation(a.SourceID, a.TargetID, a.AssocType, a.Confidence); err != nil {
			return fmt.Errorf("learn association %s->%s: %w", a.SourceID, a.TargetID, err)
		}
		if (n+1)%100 == 0 {
			log.Printf("  Migrated %d/%d associations...", n+1, len(assocs))
		}
	}
	log.Printf("✓ Migrated %d/%d associations", len(assocs), len(assocs))

	return c.Flush()
}
