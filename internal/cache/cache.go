// Package cache reconciles the per-run local scratch directories with blob
// storage.
//
// Layout: {root}/{runId}/{nodeId}/{input|output}.{portId}.{ext}. Blob keys
// mirror it below the configured base path. Directories are partitioned by
// (runId, nodeId), so concurrent activities never share a path.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/animus-labs/dagflow/internal/platform/env"
	"github.com/animus-labs/dagflow/internal/storage/objectstore"
	"github.com/animus-labs/dagflow/internal/table"
)

// BlobScheme prefixes PortData locations that are blob-store relative keys.
const BlobScheme = "blob://"

const (
	inputPrefix  = "input."
	outputPrefix = "output."
)

type Config struct {
	Root     string
	Bucket   string
	BasePath string
}

func ConfigFromEnv(bucket, basePath string) (Config, error) {
	cfg := Config{
		Root:     env.String("DAGFLOW_CACHE_ROOT", filepath.Join(os.TempDir(), "dagflow-cache")),
		Bucket:   bucket,
		BasePath: basePath,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return errors.New("cache root is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg    Config
	store  objectstore.Store
	logger *slog.Logger
	group  singleflight.Group
}

func New(cfg Config, store objectstore.Store, logger *slog.Logger) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{cfg: cfg, store: store, logger: logger}, nil
}

// PortFile is one produced output file of a node.
type PortFile struct {
	PortID string
	Path   string
}

// NodeDir returns the scratch directory of a node within a run.
func (c *Cache) NodeDir(runID, nodeID string) string {
	return filepath.Join(c.cfg.Root, safeSegment(runID), safeSegment(nodeID))
}

// Prepare creates the node scratch directory and removes output files left
// behind by an earlier attempt. Cached inputs are kept.
func (c *Cache) Prepare(runID, nodeID string) (string, error) {
	dir := c.NodeDir(runID, nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create node dir: %w", err)
	}
	stale, err := c.OutputFiles(runID, nodeID)
	if err != nil {
		return "", err
	}
	for _, f := range stale {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("remove stale output: %w", err)
		}
	}
	return dir, nil
}

// InputPath is the local file an input port is materialized into.
func (c *Cache) InputPath(runID, nodeID, portID string) string {
	return filepath.Join(c.NodeDir(runID, nodeID), PortFileName(inputPrefix, portID))
}

// OutputPath is the local file a node writes an output port into.
func (c *Cache) OutputPath(runID, nodeID, portID string) string {
	return filepath.Join(c.NodeDir(runID, nodeID), PortFileName(outputPrefix, portID))
}

// EnsureLocal materializes the blob at location into the node's input file for
// portID and returns the local path. An existing local file is reused as-is.
// Locations without the blob scheme are literal local paths.
func (c *Cache) EnsureLocal(ctx context.Context, runID, nodeID, portID, location string) (string, error) {
	key, ok := strings.CutPrefix(location, BlobScheme)
	if !ok {
		if _, err := os.Stat(location); err != nil {
			return "", fmt.Errorf("input %s: %w", portID, err)
		}
		return location, nil
	}

	local := c.InputPath(runID, nodeID, portID)
	if fileExists(local) {
		return local, nil
	}
	_, err, _ := c.group.Do(local, func() (any, error) {
		if fileExists(local) {
			return nil, nil
		}
		return nil, c.download(ctx, c.objectKey(key), local)
	})
	if err != nil {
		return "", fmt.Errorf("download input %s: %w", portID, err)
	}
	return local, nil
}

// Publish uploads a produced output file and returns its blob location.
func (c *Cache) Publish(ctx context.Context, runID, nodeID, portID, localPath string) (string, error) {
	rel := path.Join(safeSegment(runID), safeSegment(nodeID), PortFileName(outputPrefix, portID))
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open output %s: %w", portID, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat output %s: %w", portID, err)
	}
	if err := c.store.Put(ctx, c.cfg.Bucket, c.objectKey(rel), file, info.Size(), table.ContentType); err != nil {
		return "", fmt.Errorf("upload output %s: %w", portID, err)
	}
	c.logger.Debug("output published", "run_id", runID, "node_id", nodeID, "port_id", portID, "key", rel, "size", info.Size())
	return BlobScheme + rel, nil
}

// Unpublish removes a blob written by Publish. Locations without the blob
// scheme are left alone.
func (c *Cache) Unpublish(ctx context.Context, location string) error {
	key, ok := strings.CutPrefix(location, BlobScheme)
	if !ok {
		return nil
	}
	if err := c.store.Delete(ctx, c.cfg.Bucket, c.objectKey(key)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// OutputFiles lists the output port files present in a node directory,
// sorted by port id.
func (c *Cache) OutputFiles(runID, nodeID string) ([]PortFile, error) {
	entries, err := os.ReadDir(c.NodeDir(runID, nodeID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan node dir: %w", err)
	}
	suffix := "." + table.FileExt
	out := make([]PortFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, outputPrefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		portID := strings.TrimSuffix(strings.TrimPrefix(name, outputPrefix), suffix)
		if portID == "" {
			continue
		}
		out = append(out, PortFile{PortID: portID, Path: filepath.Join(c.NodeDir(runID, nodeID), name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PortID < out[j].PortID })
	return out, nil
}

// download writes into a temporary sibling first so an interrupted transfer
// never leaves a file that passes the existence check.
func (c *Cache) download(ctx context.Context, key, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	body, info, err := c.store.Get(ctx, c.cfg.Bucket, key)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(local), ".download-*")
	if err != nil {
		return err
	}
	written, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	c.logger.Debug("input downloaded", "key", key, "path", local, "size", written, "etag", info.ETag)
	return nil
}

func (c *Cache) objectKey(rel string) string {
	base := strings.Trim(c.cfg.BasePath, "/")
	if base == "" {
		return rel
	}
	return base + "/" + rel
}

// PortFileName builds "{prefix}{portId}.{ext}".
func PortFileName(prefix, portID string) string {
	return prefix + safeSegment(portID) + "." + table.FileExt
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
