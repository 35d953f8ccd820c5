package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// eventQueueSize bounds the events waiting for the writer. When full,
	// new events are dropped rather than blocking a connection handler.
	eventQueueSize = 1024

	// flushInterval is how often buffered events are committed.
	flushInterval = 100 * time.Millisecond

	// maxBatch commits early once this many events are pending.
	maxBatch = 128
)

// ErrClosed is returned by operations on a closed audit log.
var ErrClosed = errors.New("audit log closed")

// AuditLog records connection and room lifecycle events in SQLite. It never
// stores message content or room passwords, and nothing is read back into
// the live server on restart.
//
// A nil *AuditLog is valid: every Record method is a no-op and Flush/Close
// return nil. That is what Open returns for an empty path.
type AuditLog struct {
	db *sql.DB

	events   chan event
	flushReq chan chan error
	done     chan struct{}
	stopped  chan struct{}

	closeOnce sync.Once
	closeErr  error
	dropped   atomic.Int64

	// Owned by the writer goroutine: live session ID -> committed SessionLog row.
	sessionRows map[uint64]int64
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventLogin
	eventDisconnect
	eventRoomCreated
	eventRoomReaped
)

type event struct {
	kind        eventKind
	at          time.Time
	sessionID   uint64
	username    string
	connType    string
	remoteAddr  string
	roomID      string
	roomName    string
	hasPassword bool
}

// SessionRecord is one row of SessionLog.
type SessionRecord struct {
	ID             int64
	Username       string
	ConnType       string
	RemoteAddr     string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}

// RoomRecord is one row of RoomLog.
type RoomRecord struct {
	RoomID      string
	RoomName    string
	HasPassword bool
	CreatedAt   time.Time
	ReapedAt    *time.Time
}

// Open opens (creating if needed) the audit database at path and starts its
// writer. An empty path disables auditing and returns a nil log.
func Open(path string) (*AuditLog, error) {
	if path == "" {
		return nil, nil
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	pragmas := []string{
		// WAL lets the read helpers run while the writer commits
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	a := &AuditLog{
		db:          db,
		events:      make(chan event, eventQueueSize),
		flushReq:    make(chan chan error),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		sessionRows: make(map[uint64]int64),
	}
	go a.writeLoop()
	return a, nil
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS SessionLog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL DEFAULT '',
	conn_type TEXT NOT NULL,
	remote_addr TEXT NOT NULL DEFAULT '',
	connected_at INTEGER NOT NULL,
	disconnected_at INTEGER
);

CREATE TABLE IF NOT EXISTS RoomLog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	room_name TEXT NOT NULL,
	has_password INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	reaped_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_roomlog_room ON RoomLog(room_id, reaped_at);
`
	_, err := db.Exec(schema)
	return err
}

// RecordConnect logs a new connection before it has a username.
func (a *AuditLog) RecordConnect(sessionID uint64, connType, remoteAddr string) {
	a.enqueue(event{kind: eventConnect, sessionID: sessionID, connType: connType, remoteAddr: remoteAddr})
}

// RecordLogin attaches the registered username to a connection.
func (a *AuditLog) RecordLogin(sessionID uint64, username string) {
	a.enqueue(event{kind: eventLogin, sessionID: sessionID, username: username})
}

// RecordDisconnect closes a connection's row.
func (a *AuditLog) RecordDisconnect(sessionID uint64) {
	a.enqueue(event{kind: eventDisconnect, sessionID: sessionID})
}

// RecordRoomCreated logs a room. Only whether it is protected is stored.
func (a *AuditLog) RecordRoomCreated(roomID, roomName string, hasPassword bool) {
	a.enqueue(event{kind: eventRoomCreated, roomID: roomID, roomName: roomName, hasPassword: hasPassword})
}

// RecordRoomReaped marks the live row for roomID as reaped.
func (a *AuditLog) RecordRoomReaped(roomID string) {
	a.enqueue(event{kind: eventRoomReaped, roomID: roomID})
}

// Dropped returns how many events were discarded because the queue was full.
func (a *AuditLog) Dropped() int64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

func (a *AuditLog) enqueue(ev event) {
	if a == nil {
		return
	}
	ev.at = time.Now()

	select {
	case <-a.done:
		return
	default:
	}

	select {
	case a.events <- ev:
	default:
		if a.dropped.Add(1) == 1 {
			log.Printf("Audit log queue full, dropping events")
		}
	}
}

// Flush blocks until every event recorded before the call is committed.
func (a *AuditLog) Flush() error {
	if a == nil {
		return nil
	}
	reply := make(chan error, 1)
	select {
	case a.flushReq <- reply:
		return <-reply
	case <-a.stopped:
		return ErrClosed
	}
}

// Close commits pending events and closes the database.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.closeOnce.Do(func() {
		close(a.done)
		<-a.stopped
		a.closeErr = a.db.Close()
	})
	return a.closeErr
}

// writeLoop is the only writer. It batches events into one transaction per
// tick so handlers never wait on disk.
func (a *AuditLog) writeLoop() {
	defer close(a.stopped)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []event
	commit := func() error {
		batch = a.drain(batch)
		if len(batch) == 0 {
			return nil
		}
		err := a.writeBatch(batch)
		if err != nil {
			log.Printf("Audit log: failed to write %d events: %v", len(batch), err)
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case ev := <-a.events:
			batch = append(batch, ev)
			if len(batch) >= maxBatch {
				commit()
			}
		case <-ticker.C:
			commit()
		case reply := <-a.flushReq:
			reply <- commit()
		case <-a.done:
			commit()
			return
		}
	}
}

// drain moves whatever is already queued into batch without blocking.
func (a *AuditLog) drain(batch []event) []event {
	for {
		select {
		case ev := <-a.events:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

// rowChanges holds the session row mapping edits of one batch. They reach
// sessionRows only once the batch has committed.
type rowChanges struct {
	added   map[uint64]int64
	removed map[uint64]bool
}

func (a *AuditLog) lookupRow(changes *rowChanges, sessionID uint64) (int64, bool) {
	if id, ok := changes.added[sessionID]; ok {
		return id, true
	}
	if changes.removed[sessionID] {
		return 0, false
	}
	id, ok := a.sessionRows[sessionID]
	return id, ok
}

func (a *AuditLog) writeBatch(batch []event) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	changes := &rowChanges{added: make(map[uint64]int64), removed: make(map[uint64]bool)}
	for _, ev := range batch {
		if err := a.apply(tx, changes, ev); err != nil {
			return fmt.Errorf("event %d: %w", ev.kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for sessionID := range changes.removed {
		delete(a.sessionRows, sessionID)
	}
	for sessionID, id := range changes.added {
		a.sessionRows[sessionID] = id
	}
	return nil
}

func (a *AuditLog) apply(tx *sql.Tx, changes *rowChanges, ev event) error {
	at := ev.at.UnixMilli()

	switch ev.kind {
	case eventConnect:
		res, err := tx.Exec(`INSERT INTO SessionLog (conn_type, remote_addr, connected_at) VALUES (?, ?, ?)`,
			ev.connType, ev.remoteAddr, at)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		changes.added[ev.sessionID] = id

	case eventLogin:
		id, ok := a.lookupRow(changes, ev.sessionID)
		if !ok {
			return nil
		}
		_, err := tx.Exec(`UPDATE SessionLog SET username = ? WHERE id = ?`, ev.username, id)
		return err

	case eventDisconnect:
		id, ok := a.lookupRow(changes, ev.sessionID)
		if !ok {
			return nil
		}
		delete(changes.added, ev.sessionID)
		changes.removed[ev.sessionID] = true
		_, err := tx.Exec(`UPDATE SessionLog SET disconnected_at = ? WHERE id = ?`, at, id)
		return err

	case eventRoomCreated:
		_, err := tx.Exec(`INSERT INTO RoomLog (room_id, room_name, has_password, created_at) VALUES (?, ?, ?, ?)`,
			ev.roomID, ev.roomName, ev.hasPassword, at)
		return err

	case eventRoomReaped:
		_, err := tx.Exec(`UPDATE RoomLog SET reaped_at = ? WHERE room_id = ? AND reaped_at IS NULL`, at, ev.roomID)
		return err
	}
	return nil
}

// CountSessions returns the number of connections ever logged.
func (a *AuditLog) CountSessions() (int, error) {
	if a == nil {
		return 0, nil
	}
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM SessionLog`).Scan(&n)
	return n, err
}

// ListSessions returns logged connections, oldest first.
func (a *AuditLog) ListSessions() ([]SessionRecord, error) {
	if a == nil {
		return nil, nil
	}
	rows, err := a.db.Query(`SELECT id, username, conn_type, remote_addr, connected_at, disconnected_at FROM SessionLog ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var connectedAt int64
		var disconnectedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Username, &r.ConnType, &r.RemoteAddr, &connectedAt, &disconnectedAt); err != nil {
			return nil, err
		}
		r.ConnectedAt = time.UnixMilli(connectedAt)
		if disconnectedAt.Valid {
			t := time.UnixMilli(disconnectedAt.Int64)
			r.DisconnectedAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListRoomEvents returns every logged room, oldest first.
func (a *AuditLog) ListRoomEvents() ([]RoomRecord, error) {
	if a == nil {
		return nil, nil
	}
	rows, err := a.db.Query(`SELECT room_id, room_name, has_password, created_at, reaped_at FROM RoomLog ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RoomRecord
	for rows.Next() {
		var r RoomRecord
		var createdAt int64
		var reapedAt sql.NullInt64
		if err := rows.Scan(&r.RoomID, &r.RoomName, &r.HasPassword, &createdAt, &reapedAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		if reapedAt.Valid {
			t := time.UnixMilli(reapedAt.Int64)
			r.ReapedAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
