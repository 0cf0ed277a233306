package geoip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"geocountry/internal/ranges"
)

const (
	userAgent = "geocountry-range-updater/1.0"

	// DefaultDownloadTimeout bounds each range file download.
	DefaultDownloadTimeout = 5 * time.Minute
)

var (
	// ErrNoSources indicates that no download URL has been configured.
	ErrNoSources = errors.New("geoip: no range sources configured")
)

// Source is one remote range file.
type Source struct {
	Protocol ranges.Protocol
	URL      string
	Filename string
}

// Publisher receives the names of freshly written files after an update.
type Publisher interface {
	Publish(ctx context.Context, filenames []string) error
}

type Updater struct {
	db        *ranges.Database
	sources   []Source
	client    *http.Client
	publisher Publisher
	now       func() time.Time
	group     singleflight.Group
}

type Option func(*Updater)

// WithSources sets the IPv4 and IPv6 download URLs. Empty URLs are skipped.
func WithSources(ipv4URL, ipv6URL string) Option {
	return func(u *Updater) {
		u.sources = u.sources[:0]
		if ipv4URL = strings.TrimSpace(ipv4URL); ipv4URL != "" {
			u.sources = append(u.sources, Source{Protocol: ranges.IPv4, URL: ipv4URL, Filename: ranges.IPv4FileName})
		}
		if ipv6URL = strings.TrimSpace(ipv6URL); ipv6URL != "" {
			u.sources = append(u.sources, Source{Protocol: ranges.IPv6, URL: ipv6URL, Filename: ranges.IPv6FileName})
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(u *Updater) {
		if client != nil {
			u.client = client
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(u *Updater) {
		if timeout > 0 {
			u.client = &http.Client{Timeout: timeout}
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(u *Updater) {
		u.publisher = p
	}
}

func NewUpdater(db *ranges.Database, opts ...Option) *Updater {
	u := &Updater{
		db:     db,
		client: &http.Client{Timeout: DefaultDownloadTimeout},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// SetPublisher attaches p after construction, once Redis becomes available.
func (u *Updater) SetPublisher(p Publisher) {
	u.publisher = p
}

// UpdateDatabase downloads every source, records the update metadata and
// reloads the database. Concurrent calls share a single run. A failed download
// aborts the cycle and leaves the previous files in place.
//
// The counts in the metadata record are taken before the reload, so they
// describe the data that was being served when the download started.
func (u *Updater) UpdateDatabase(ctx context.Context) error {
	_, err, _ := u.group.Do("update", func() (interface{}, error) {
		return nil, u.update(ctx)
	})
	if err != nil {
		log.Error("Error updating range database", "error", err)
	}
	return err
}

func (u *Updater) update(ctx context.Context) error {
	if len(u.sources) == 0 {
		return ErrNoSources
	}

	log.Info("Updating range database", "sources", len(u.sources))

	if err := u.db.EnsureDataDir(); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	for _, source := range u.sources {
		if err := u.download(ctx, source); err != nil {
			return err
		}
	}

	v4, v6 := u.db.Counts()
	meta := ranges.UpdateMetadata{
		LastUpdate: u.now().UTC(),
		IPv4Count:  v4,
		IPv6Count:  v6,
	}
	if err := u.db.WriteMetadata(meta); err != nil {
		return err
	}

	if err := u.db.Load(); err != nil {
		return fmt.Errorf("reload ranges: %w", err)
	}

	if u.publisher != nil {
		if err := u.publisher.Publish(ctx, u.filenames()); err != nil {
			log.Warn("Failed to publish range files", "error", err)
		}
	}

	log.Info("Range database updated successfully")
	return nil
}

func (u *Updater) download(ctx context.Context, source Source) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", source.Protocol, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: download: %w", source.Protocol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s: unexpected status %d: %s", source.Protocol, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := writeToFile(u.db.FilePath(source.Filename), resp.Body); err != nil {
		return fmt.Errorf("%s: write file: %w", source.Protocol, err)
	}

	log.Debug("Downloaded range file", "protocol", source.Protocol, "url", source.URL)
	return nil
}

func (u *Updater) filenames() []string {
	names := make([]string, 0, len(u.sources)+1)
	for _, source := range u.sources {
		names = append(names, source.Filename)
	}
	return append(names, ranges.MetadataFileName)
}

// writeToFile streams data into a temp file next to destPath and renames it
// into place. The temp file is removed if anything fails.
func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), filepath.Base(destPath)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	return nil
}
