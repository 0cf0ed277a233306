package geoip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"geocountry/internal/ranges"
)

const (
	rangeRedisKeyPrefix = "geocountry:ranges:file:"
	rangeRedisChannel   = "geocountry:ranges:updates"
	rangeRedisOpTimeout = 30 * time.Second
)

var distributorSeq atomic.Uint64

type rangeUpdatePayload struct {
	Files     []string `json:"files"`
	UpdatedAt string   `json:"updated_at,omitempty"`
	Origin    string   `json:"origin,omitempty"`
}

// Distributor replicates range files through Redis so only the node running
// the scheduled update has to download them.
type Distributor struct {
	client *redis.Client
	db     *ranges.Database
	origin string
}

func NewDistributor(client *redis.Client, db *ranges.Database) *Distributor {
	hostname, _ := os.Hostname()
	return &Distributor{
		client: client,
		db:     db,
		origin: fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), distributorSeq.Add(1)),
	}
}

// Start follows update notifications in the background until ctx is done.
// Callers pull the current files with Sync first.
func (d *Distributor) Start(ctx context.Context) {
	if d == nil || d.client == nil {
		log.Warn("Range distribution disabled: redis client is nil")
		return
	}

	go d.subscribe(ctx)
}

// Publish uploads the named files from the data directory and notifies the
// other instances.
func (d *Distributor) Publish(ctx context.Context, filenames []string) error {
	if len(filenames) == 0 {
		filenames = defaultRangeFilenames()
	}

	for _, name := range filenames {
		data, err := os.ReadFile(d.db.FilePath(name))
		if err != nil {
			return fmt.Errorf("range redis sync: read %s: %w", name, err)
		}
		if len(data) == 0 {
			continue
		}

		opCtx, cancel := redisTimeoutCtx(ctx)
		err = d.client.Set(opCtx, rangeRedisKey(name), data, 0).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("range redis sync: store %s: %w", name, err)
		}
	}

	payload, err := json.Marshal(rangeUpdatePayload{
		Files:     filenames,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Origin:    d.origin,
	})
	if err != nil {
		return fmt.Errorf("range redis sync: serialize payload: %w", err)
	}

	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()
	if err := d.client.Publish(opCtx, rangeRedisChannel, payload).Err(); err != nil {
		return fmt.Errorf("range redis sync: publish: %w", err)
	}

	return nil
}

// Sync writes the stored files to disk and reloads the database when at least
// one of them was present in Redis.
func (d *Distributor) Sync(ctx context.Context, filenames []string) (bool, error) {
	if len(filenames) == 0 {
		filenames = defaultRangeFilenames()
	}

	var updated bool
	for _, name := range filenames {
		opCtx, cancel := redisTimeoutCtx(ctx)
		data, err := d.client.Get(opCtx, rangeRedisKey(name)).Bytes()
		cancel()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("range redis sync: fetch %s: %w", name, err)
		}
		if len(data) == 0 {
			continue
		}

		if err := writeToFile(d.db.FilePath(name), bytes.NewReader(data)); err != nil {
			return false, fmt.Errorf("range redis sync: write %s: %w", name, err)
		}
		updated = true
	}

	if updated {
		if err := d.db.Load(); err != nil {
			return false, fmt.Errorf("range redis sync: reload: %w", err)
		}
	}

	return updated, nil
}

func (d *Distributor) subscribe(ctx context.Context) {
	pubsub := d.client.Subscribe(ctx, rangeRedisChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("range redis sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		files, origin, err := decodeUpdatePayload(msg.Payload)
		if err != nil {
			log.Error("range redis sync: invalid payload", "error", err)
			continue
		}
		if origin == d.origin {
			continue
		}

		if updated, err := d.Sync(ctx, files); err != nil {
			log.Error("range redis sync: failed to apply update", "error", err)
		} else if updated {
			log.Info("range redis sync: applied update", "files", files)
		}
	}
}

func decodeUpdatePayload(raw string) ([]string, string, error) {
	var payload rangeUpdatePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, "", err
	}
	if len(payload.Files) == 0 {
		return defaultRangeFilenames(), payload.Origin, nil
	}

	// Only known file names are accepted; they are joined onto the data dir.
	files := make([]string, 0, len(payload.Files))
	for _, name := range payload.Files {
		if slices.Contains(defaultRangeFilenames(), name) {
			files = append(files, name)
		}
	}
	if len(files) == 0 {
		return nil, "", fmt.Errorf("no known files in payload %v", payload.Files)
	}
	return files, payload.Origin, nil
}

func rangeRedisKey(filename string) string {
	return rangeRedisKeyPrefix + filename
}

func defaultRangeFilenames() []string {
	return []string{ranges.IPv4FileName, ranges.IPv6FileName, ranges.MetadataFileName}
}

func redisTimeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= rangeRedisOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, rangeRedisOpTimeout)
}
