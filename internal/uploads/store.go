// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package uploads stages Excel, CSV and PDF files until the file driver
// reads them. Entries live in BadgerDB and expire after a TTL.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
)

var (
	// ErrNotFound is returned when a data source has no staged upload.
	ErrNotFound = errors.New("no staged upload")
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("upload exceeds size limit")
	// ErrFileType is returned when the extension does not match the source.
	ErrFileType = errors.New("file type does not match data source")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("upload store is closed")
)

const (
	defaultMaxBytes = 50 << 20
	defaultTTL      = 7 * 24 * time.Hour
	gcDiscardRatio  = 0.5
)

var extensions = map[models.SourceType][]string{
	models.SourceExcel: {".xlsx", ".xlsm", ".xltx"},
	models.SourceCSV:   {".csv", ".txt"},
	models.SourcePDF:   {".pdf"},
}

// ExtensionAllowed reports whether filename fits the file source type.
func ExtensionAllowed(t models.SourceType, filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range extensions[t] {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Upload describes one staged file.
type Upload struct {
	ID           string    `json:"id"`
	DataSourceID int64     `json:"data_source_id"`
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the badger-backed staging area.
type Store struct {
	db       *badger.DB
	ttl      time.Duration
	maxBytes int64
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the store described by cfg.
func Open(cfg config.UploadsConfig) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open upload store: %w", err)
	}
	s := &Store{db: db, ttl: cfg.TTL, maxBytes: cfg.MaxBytes, now: time.Now}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxBytes
	}
	logging.Info().
		Str("dir", cfg.Dir).
		Bool("in_memory", cfg.InMemory).
		Dur("ttl", s.ttl).
		Int64("max_bytes", s.maxBytes).
		Msg("Upload store opened")
	return s, nil
}

// MaxBytes returns the size limit for one upload.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

func prefix(dataSourceID int64) []byte {
	return []byte(fmt.Sprintf("upload/%020d/", dataSourceID))
}

func entryKey(dataSourceID int64, at time.Time, suffix string) []byte {
	return append(prefix(dataSourceID), []byte(fmt.Sprintf("%020d/%s", at.UnixNano(), suffix))...)
}

// Put stages r for the data source. The newest upload wins on Latest.
func (s *Store) Put(ctx context.Context, dataSourceID int64, filename string, r io.Reader) (Upload, error) {
	if err := s.checkOpen(); err != nil {
		return Upload{}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return Upload{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return Upload{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, s.maxBytes)
	}
	if err := ctx.Err(); err != nil {
		return Upload{}, err
	}

	now := s.now().UTC()
	up := Upload{
		ID:           uuid.NewString(),
		DataSourceID: dataSourceID,
		Filename:     filepath.Base(filename),
		Size:         int64(len(data)),
		CreatedAt:    now,
	}
	meta, err := json.Marshal(up)
	if err != nil {
		return Upload{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(entryKey(dataSourceID, now, "data"), data).WithTTL(s.ttl)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(entryKey(dataSourceID, now, "meta"), meta).WithTTL(s.ttl))
	})
	if err != nil {
		return Upload{}, fmt.Errorf("stage upload: %w", err)
	}
	logging.Ctx(ctx).Info().
		Int64("data_source_id", dataSourceID).
		Str("upload_id", up.ID).
		Str("filename", up.Filename).
		Int64("size", up.Size).
		Msg("Upload staged")
	return up, nil
}

// Latest returns the newest unexpired upload of a data source.
func (s *Store) Latest(ctx context.Context, dataSourceID int64) (Upload, []byte, error) {
	if err := s.checkOpen(); err != nil {
		return Upload{}, nil, err
	}
	var (
		up   Upload
		data []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix(dataSourceID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(prefix(dataSourceID), 0xff)); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if !strings.HasSuffix(string(key), "/meta") {
				continue
			}
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &up) }); err != nil {
				return err
			}
			dataKey := []byte(strings.TrimSuffix(string(key), "meta") + "data")
			dataItem, err := txn.Get(dataKey)
			if err != nil {
				return err
			}
			data, err = dataItem.ValueCopy(nil)
			return err
		}
		return ErrNotFound
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		err = ErrNotFound
	}
	if err != nil {
		return Upload{}, nil, err
	}
	return up, data, ctx.Err()
}

// Delete removes every staged upload of a data source.
func (s *Store) Delete(ctx context.Context, dataSourceID int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.db.DropPrefix(prefix(dataSourceID)); err != nil {
		return fmt.Errorf("delete uploads: %w", err)
	}
	logging.Ctx(ctx).Debug().Int64("data_source_id", dataSourceID).Msg("Uploads deleted")
	return nil
}

// RunGC rewrites value log files until badger reports nothing to reclaim.
func (s *Store) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.db.Opts().InMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(gcDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close closes the database. Later calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close upload store: %w", err)
	}
	logging.Info().Msg("Upload store closed")
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
