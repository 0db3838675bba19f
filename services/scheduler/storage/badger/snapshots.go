// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/dagheal/services/scheduler/graph"
)

// ErrSnapshotNotFound is returned when no snapshot matches.
var ErrSnapshotNotFound = errors.New("snapshot not found")

const (
	docPrefix  = "snapshot/doc/"
	infoPrefix = "snapshot/info/"
)

// SnapshotInfo describes a stored snapshot without its body.
type SnapshotInfo struct {
	ID         string    `json:"id"`
	ExportedAt time.Time `json:"exportedAt"`
	SavedAt    time.Time `json:"savedAt"`
	Nodes      int       `json:"nodes"`
	Edges      int       `json:"edges"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	SizeBytes  int       `json:"sizeBytes"`
}

// SnapshotStore persists graph export documents.
//
// Description:
//
//	Each snapshot is two keys written in one transaction: the JSON
//	document and a small info record used by List. IDs sort by export
//	time, so key order is chronological.
//
// Thread Safety:
//
//	Safe for concurrent use.
type SnapshotStore struct {
	db     *DB
	logger *slog.Logger
}

// NewSnapshotStore creates a snapshot store over db.
func NewSnapshotStore(db *DB, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{db: db, logger: logger.With(slog.String("component", "snapshots"))}
}

// snapshotID builds a chronologically sortable id.
func snapshotID(t time.Time) string {
	return fmt.Sprintf("%019d-%s", t.UTC().UnixNano(), uuid.NewString()[:8])
}

// Save stores doc and returns its info.
//
// Outputs:
//
//	SnapshotInfo - The stored snapshot's description.
//	error - graph.ErrInvalidInput for a nil document, or a storage error.
func (s *SnapshotStore) Save(ctx context.Context, doc *graph.Document) (SnapshotInfo, error) {
	if doc == nil {
		return SnapshotInfo{}, fmt.Errorf("%w: nil document", graph.ErrInvalidInput)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	exported := doc.ExportedAt
	if exported.IsZero() {
		exported = time.Now()
	}
	info := SnapshotInfo{
		ID:         snapshotID(exported),
		ExportedAt: exported,
		SavedAt:    time.Now(),
		Nodes:      len(doc.Nodes),
		Edges:      len(doc.Edges),
		Completed:  doc.Stats.CompletedNodes,
		Failed:     doc.Stats.FailedNodes,
		SizeBytes:  len(body),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("marshal snapshot info: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		docEntry := badger.NewEntry([]byte(docPrefix+info.ID), body)
		infoEntry := badger.NewEntry([]byte(infoPrefix+info.ID), meta)
		if s.db.ttl > 0 {
			docEntry = docEntry.WithTTL(s.db.ttl)
			infoEntry = infoEntry.WithTTL(s.db.ttl)
		}
		if err := txn.SetEntry(docEntry); err != nil {
			return err
		}
		return txn.SetEntry(infoEntry)
	})
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("save snapshot: %w", err)
	}

	s.logger.Info("snapshot saved",
		slog.String("snapshot_id", info.ID),
		slog.Int("nodes", info.Nodes),
		slog.Int("bytes", info.SizeBytes),
	)
	return info, nil
}

// Load returns the snapshot with the given id.
func (s *SnapshotStore) Load(ctx context.Context, id string) (*graph.Document, error) {
	var doc graph.Document
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(docPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Latest returns the most recently exported snapshot.
func (s *SnapshotStore) Latest(ctx context.Context) (*graph.Document, SnapshotInfo, error) {
	infos, err := s.List(ctx, 1)
	if err != nil {
		return nil, SnapshotInfo{}, err
	}
	if len(infos) == 0 {
		return nil, SnapshotInfo{}, ErrSnapshotNotFound
	}
	doc, err := s.Load(ctx, infos[0].ID)
	if err != nil {
		return nil, SnapshotInfo{}, err
	}
	return doc, infos[0], nil
}

// List returns up to limit snapshot infos, newest first. limit <= 0 lists all.
func (s *SnapshotStore) List(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	var out []SnapshotInfo
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(infoPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last key with the prefix.
		seek := append([]byte(infoPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(infoPrefix)); it.Next() {
			var info SnapshotInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, info)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Delete removes a snapshot.
func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(infoPrefix + id)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		} else if err != nil {
			return err
		}
		if err := txn.Delete([]byte(docPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(infoPrefix + id))
	})
}

// Prune keeps the newest keep snapshots and deletes the rest.
// It returns how many were deleted.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) (int, error) {
	infos, err := s.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for _, info := range infos[min(keep, len(infos)):] {
		if err := s.Delete(ctx, info.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("snapshots pruned", slog.Int("removed", removed), slog.Int("kept", keep))
	}
	return removed, nil
}

