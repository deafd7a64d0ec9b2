// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

// Package threadstore persists thread snapshots in SQLite. One store
// serves every user; the hub layer obtains a per-user view with
// ForUser, which implements relay.SnapshotStore.
//
// Snapshots are stored as CBOR blobs, zstd-compressed past a size
// threshold. The row keeps updated_at denormalized so boot-time listing
// can order without decoding.
package threadstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/orbit-foundation/orbit/lib/codec"
	"github.com/orbit-foundation/orbit/lib/sqlitepool"
	"github.com/orbit-foundation/orbit/relay"
)

const schema = `
CREATE TABLE IF NOT EXISTS thread_snapshots (
	user_id     TEXT    NOT NULL,
	thread_id   TEXT    NOT NULL,
	updated_at  INTEGER NOT NULL,
	compression INTEGER NOT NULL DEFAULT 0,
	snapshot    BLOB    NOT NULL,
	PRIMARY KEY (user_id, thread_id)
);

CREATE INDEX IF NOT EXISTS thread_snapshots_by_updated
	ON thread_snapshots (user_id, updated_at);
`

// Config holds the parameters for opening a thread store.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the connection pool size. Zero uses the sqlitepool
	// default.
	PoolSize int

	// Logger receives operational messages. Nil uses a no-op logger.
	Logger *slog.Logger
}

// Store is the SQLite-backed snapshot store shared by every hub in the
// process. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (creating if needed) the thread store database.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("threadstore: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// ForUser returns the snapshot store view scoped to one user's rows.
func (s *Store) ForUser(userID string) relay.SnapshotStore {
	return &userStore{store: s, userID: userID}
}

// userStore implements relay.SnapshotStore over one user's partition.
type userStore struct {
	store  *Store
	userID string
}

func (u *userStore) Put(ctx context.Context, snapshot *relay.ThreadSnapshot) error {
	encoded, err := codec.Marshal(recordFromSnapshot(snapshot))
	if err != nil {
		return fmt.Errorf("threadstore: encoding %s: %w", snapshot.ThreadID, err)
	}
	blob, compression := compressBlob(encoded)

	conn, err := u.store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer u.store.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO thread_snapshots (user_id, thread_id, updated_at, compression, snapshot)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, thread_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			compression = excluded.compression,
			snapshot = excluded.snapshot`,
		&sqlitex.ExecOptions{
			Args: []any{u.userID, snapshot.ThreadID, snapshot.UpdatedAt.UnixMilli(), compression, blob},
		})
	if err != nil {
		return fmt.Errorf("threadstore: writing %s: %w", snapshot.ThreadID, err)
	}
	return nil
}

func (u *userStore) Delete(ctx context.Context, threadID string) error {
	conn, err := u.store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer u.store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM thread_snapshots WHERE user_id = ? AND thread_id = ?`,
		&sqlitex.ExecOptions{Args: []any{u.userID, threadID}})
	if err != nil {
		return fmt.Errorf("threadstore: deleting %s: %w", threadID, err)
	}
	return nil
}

func (u *userStore) List(ctx context.Context) ([]*relay.ThreadSnapshot, error) {
	conn, err := u.store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer u.store.pool.Put(conn)

	var snapshots []*relay.ThreadSnapshot
	err = sqlitex.Execute(conn, `
		SELECT thread_id, compression, snapshot
		FROM thread_snapshots
		WHERE user_id = ?
		ORDER BY updated_at DESC`,
		&sqlitex.ExecOptions{
			Args: []any{u.userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				threadID := stmt.ColumnText(0)
				compression := stmt.ColumnInt64(1)
				blob := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, blob)

				snapshot, err := decodeSnapshot(blob, compression)
				if err != nil {
					// A corrupt row must not take the whole hub down
					// at boot; skip it and keep loading.
					u.store.logger.Warn("skipping undecodable snapshot",
						"user_id", u.userID,
						"thread_id", threadID,
						"error", err,
					)
					return nil
				}
				snapshots = append(snapshots, snapshot)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("threadstore: listing for %s: %w", u.userID, err)
	}
	return snapshots, nil
}

// decodeSnapshot reverses compressBlob + codec.Marshal.
func decodeSnapshot(blob []byte, compression int64) (*relay.ThreadSnapshot, error) {
	encoded, err := decompressBlob(blob, compression)
	if err != nil {
		return nil, err
	}
	var record snapshotRecord
	if err := codec.Unmarshal(encoded, &record); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return record.toSnapshot(), nil
}

// snapshotRecord is the CBOR shape of one stored snapshot. Timestamps
// are unix milliseconds; the wire shape is shared with nothing else, so
// field renames only need a store migration.
type snapshotRecord struct {
	ThreadID  string           `cbor:"thread_id"`
	AnchorID  string           `cbor:"anchor_id,omitempty"`
	Turn      *turnRecord      `cbor:"turn,omitempty"`
	Messages  [][]byte         `cbor:"messages,omitempty"`
	Artifacts []artifactRecord `cbor:"artifacts,omitempty"`
	UpdatedAt int64            `cbor:"updated_at"`
}

type turnRecord struct {
	ID        string `cbor:"id"`
	Status    string `cbor:"status"`
	UpdatedAt int64  `cbor:"updated_at"`
}

type artifactRecord struct {
	ID        string `cbor:"id"`
	ItemID    string `cbor:"item_id,omitempty"`
	Type      string `cbor:"type,omitempty"`
	CreatedAt int64  `cbor:"created_at"`
	Payload   []byte `cbor:"payload,omitempty"`
}

func recordFromSnapshot(snapshot *relay.ThreadSnapshot) snapshotRecord {
	record := snapshotRecord{
		ThreadID:  snapshot.ThreadID,
		AnchorID:  snapshot.AnchorID,
		Messages:  snapshot.RecentMessages,
		UpdatedAt: snapshot.UpdatedAt.UnixMilli(),
	}
	if snapshot.Turn != nil {
		record.Turn = &turnRecord{
			ID:        snapshot.Turn.ID,
			Status:    string(snapshot.Turn.Status),
			UpdatedAt: snapshot.Turn.UpdatedAt.UnixMilli(),
		}
	}
	for _, artifact := range snapshot.Artifacts {
		record.Artifacts = append(record.Artifacts, artifactRecord{
			ID:        artifact.ID,
			ItemID:    artifact.ItemID,
			Type:      artifact.Type,
			CreatedAt: artifact.CreatedAt.UnixMilli(),
			Payload:   artifact.Payload,
		})
	}
	return record
}

func (r *snapshotRecord) toSnapshot() *relay.ThreadSnapshot {
	snapshot := &relay.ThreadSnapshot{
		ThreadID:       r.ThreadID,
		AnchorID:       r.AnchorID,
		RecentMessages: r.Messages,
		UpdatedAt:      time.UnixMilli(r.UpdatedAt),
	}
	if r.Turn != nil {
		snapshot.Turn = &relay.Turn{
			ID:        r.Turn.ID,
			Status:    relay.TurnStatus(r.Turn.Status),
			UpdatedAt: time.UnixMilli(r.Turn.UpdatedAt),
		}
	}
	for _, artifact := range r.Artifacts {
		snapshot.Artifacts = append(snapshot.Artifacts, relay.Artifact{
			ID:        artifact.ID,
			ItemID:    artifact.ItemID,
			Type:      artifact.Type,
			CreatedAt: time.UnixMilli(artifact.CreatedAt),
			Payload:   artifact.Payload,
		})
	}
	return snapshot
}
