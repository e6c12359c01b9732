package engine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cuemby/sutra-memory/internal/storeerr"
)

// meta is the deployment-wide identity pinned at first startup: the
// embedding dimension and shard count a data directory was created
// with. Both are immutable for the lifetime of that data directory;
// cmd/sutra-migrate is the only sanctioned way to change either.
type meta struct {
	Dim     int    `json:"dim"`
	Shards  int    `json:"shards"`
	Version string `json:"version"`
}

const metaVersion = "1"

func loadOrInitMeta(dataDir string, dim, shards int) (*meta, error) {
	path := filepath.Join(dataDir, "meta.json")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m := &meta{Dim: dim, Shards: shards, Version: metaVersion}
		return m, writeMeta(path, m)
	}
	if err != nil {
		return nil, storeerr.Wrap(storeerr.ConfigError, "engine: read meta.json", err)
	}

	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, storeerr.Wrap(storeerr.ConfigError, "engine: parse meta.json", err)
	}
	if m.Dim != dim {
		return nil, storeerr.New(storeerr.ConfigError, "engine: embedding dimension does not match meta.json; use sutra-migrate to change it")
	}
	if m.Shards != shards {
		return nil, storeerr.New(storeerr.ConfigError, "engine: shard count does not match meta.json; use sutra-migrate to change it")
	}
	return &m, nil
}

func writeMeta(path string, m *meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return storeerr.Wrap(storeerr.DiskFull, "engine: write meta.json", err)
	}
	return os.Rename(tmp, path)
}
