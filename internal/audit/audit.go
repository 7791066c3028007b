package audit

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/claworc/chanmux/internal/channel"
	"github.com/gluk-w/claworc/chanmux/internal/logutil"
	"github.com/gluk-w/claworc/chanmux/internal/metrics"
)

// Event types recorded in the audit trail.
const (
	EventChannelOpen  = "channel_open"
	EventChannelClose = "channel_close"
)

// DefaultRetentionDays is the default number of days to keep records.
const DefaultRetentionDays = 30

// Record is one row of the channel audit trail.
type Record struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ConnID      string    `gorm:"index;not null" json:"conn_id"`
	EventType   string    `gorm:"index;not null" json:"event_type"`
	ChannelType string    `json:"channel_type"`
	Role        string    `json:"role"`
	LocalID     uint32    `json:"local_id"`
	PeerID      uint32    `json:"peer_id"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	Exit        string    `json:"exit,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// TableName keeps the table name stable across renames of Record.
func (Record) TableName() string { return "channel_audit_logs" }

// Open opens the sqlite database at path, creating its directory.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return db, nil
}

// queueSize bounds the records waiting for the writer goroutine.
const queueSize = 1024

// Auditor records channel lifecycle events. It implements mux.Observer.
//
// Observer callbacks run on connection loops, so they only queue records.
// A single writer goroutine stores them. When the queue is full the record
// is dropped and counted.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time

	queue     chan Record
	flush     chan chan struct{}
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewAuditor migrates the audit table in db and starts the writer. If
// retentionDays is 0, DefaultRetentionDays is used. Call Close on shutdown.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	return newAuditor(db, retentionDays, queueSize)
}

func newAuditor(db *gorm.DB, retentionDays, size int) (*Auditor, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	a := &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		queue:         make(chan Record, size),
		flush:         make(chan chan struct{}),
		quit:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go a.writeLoop()
	return a, nil
}

func (a *Auditor) writeLoop() {
	defer close(a.stopped)
	for {
		select {
		case rec := <-a.queue:
			a.Log(rec)
		case ack := <-a.flush:
			a.drain()
			close(ack)
		case <-a.quit:
			a.drain()
			return
		}
	}
}

// drain writes everything queued so far.
func (a *Auditor) drain() {
	for {
		select {
		case rec := <-a.queue:
			a.Log(rec)
		default:
			return
		}
	}
}

// enqueue hands rec to the writer without blocking.
func (a *Auditor) enqueue(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = a.nowFn()
	}
	select {
	case <-a.quit:
		return
	default:
	}
	select {
	case a.queue <- rec:
	default:
		n := a.dropped.Add(1)
		metrics.AuditDropped.Inc()
		log.Printf("[audit] queue full, dropped %s record for %s (%d dropped so far)", rec.EventType, rec.ConnID, n)
	}
}

// Flush waits until every record queued before the call is stored.
func (a *Auditor) Flush() {
	ack := make(chan struct{})
	select {
	case a.flush <- ack:
		<-ack
	case <-a.stopped:
	}
}

// Close stores the queued records and stops the writer. Records observed
// after Close are discarded.
func (a *Auditor) Close() {
	a.closeOnce.Do(func() { close(a.quit) })
	<-a.stopped
}

// Dropped returns how many records were discarded on a full queue.
func (a *Auditor) Dropped() uint64 {
	return a.dropped.Load()
}

// Log writes one record synchronously. CreatedAt defaults to the auditor's
// clock.
func (a *Auditor) Log(rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = a.nowFn()
	}
	a.mu.Lock()
	err := a.db.Create(&rec).Error
	a.mu.Unlock()
	if err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}
	return nil
}

// ChannelOpened implements mux.Observer.
func (a *Auditor) ChannelOpened(connID string, st channel.Stats) {
	a.enqueue(recordFor(connID, EventChannelOpen, st))
}

// ChannelClosed implements mux.Observer.
func (a *Auditor) ChannelClosed(connID string, st channel.Stats) {
	rec := recordFor(connID, EventChannelClose, st)
	if st.Exit != nil {
		rec.Exit = st.Exit.String()
	}
	a.enqueue(rec)
}

func recordFor(connID, event string, st channel.Stats) Record {
	return Record{
		ConnID:      connID,
		EventType:   event,
		ChannelType: logutil.SanitizeForLog(st.Type),
		Role:        st.Role.String(),
		LocalID:     st.IncomingID,
		PeerID:      st.OutgoingID,
		BytesIn:     st.BytesIn,
		BytesOut:    st.BytesOut,
	}
}

// QueryOptions filters audit records.
type QueryOptions struct {
	ConnID    string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult holds a page of records, newest first.
type QueryResult struct {
	Entries []Record `json:"entries"`
	Total   int64    `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Query returns the records matching opts. Limit defaults to 50 and is
// capped at 1000.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&Record{})
	if opts.ConnID != "" {
		tx = tx.Where("conn_id = ?", opts.ConnID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count audit logs: %w", err)
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	entries := []Record{}
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan deletes records older than days, or the retention period
// if days is 0. It returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&Record{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// SchedulePurge runs PurgeOlderThan on the cron schedule spec, for example
// "@daily". Stop the returned scheduler on shutdown.
func (a *Auditor) SchedulePurge(spec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { a.PurgeOlderThan(0) }); err != nil {
		return nil, fmt.Errorf("schedule audit purge %q: %w", spec, err)
	}
	c.Start()
	log.Printf("[audit] purging entries older than %d days on schedule %q", a.retentionDays, spec)
	return c, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock used for new records and purges.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
