// Package mysql stores committed reports in a MySQL table.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/couchcryptid/crop-report-service/internal/config"
	"github.com/couchcryptid/crop-report-service/internal/domain"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// errDuplicateEntry is MySQL's ER_DUP_ENTRY.
const errDuplicateEntry = 1062

// recheckTimeout bounds the lookup that settles an insert whose outcome the
// client never learned.
const recheckTimeout = 2 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS field_reports (
	seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	id CHAR(36) NOT NULL,
	observed_at DATETIME(6) NOT NULL,
	latitude DOUBLE NULL,
	longitude DOUBLE NULL,
	crop_detection TEXT NULL,
	disease_detection TEXT NULL,
	pesticide_recommendation TEXT NULL,
	image_locator VARCHAR(255) NULL,
	place_name VARCHAR(512) NULL,
	ingested_at DATETIME(6) NOT NULL,
	UNIQUE KEY uq_field_reports_id (id),
	INDEX idx_field_reports_latest (observed_at, seq)
)`

const insertReport = `INSERT INTO field_reports
	(id, observed_at, latitude, longitude, crop_detection, disease_detection, pesticide_recommendation, image_locator, place_name, ingested_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectSeqByID = `SELECT seq FROM field_reports WHERE id = ?`

const selectLatest = `SELECT seq, id, observed_at, latitude, longitude, crop_detection, disease_detection, pesticide_recommendation, image_locator, place_name, ingested_at
	FROM field_reports
	ORDER BY observed_at DESC, seq DESC
	LIMIT 1`

// Ledger is the durable report ledger. Each Append is a single INSERT, so a
// report is either fully committed or absent.
type Ledger struct {
	db *sql.DB
}

// Open connects to the database described by cfg and creates the reports
// table if it does not exist.
func Open(ctx context.Context, cfg *config.Config) (*Ledger, error) {
	dsn := gomysql.NewConfig()
	dsn.User = cfg.DBUser
	dsn.Passwd = cfg.DBPassword
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
	dsn.DBName = cfg.DBName
	dsn.ParseTime = true
	dsn.Loc = time.UTC

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	l := New(db)
	if err := l.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// EnsureSchema creates the reports table if needed.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create field_reports table: %w", err)
	}
	return nil
}

// Append validates r, assigns its id, and inserts it. The auto-increment key
// becomes the report's insertion sequence.
func (l *Ledger) Append(ctx context.Context, r domain.Report) (domain.Report, error) {
	if err := domain.ValidateReport(r); err != nil {
		return domain.Report{}, err
	}
	r.Timestamp = domain.NormalizeTime(r.Timestamp)
	r.IngestedAt = domain.NormalizeTime(domain.Now())

	for attempt := 0; ; attempt++ {
		r.ID = uuid.NewString()
		seq, err := l.insert(ctx, r)
		if err == nil {
			r.Seq = seq
			return r, nil
		}
		var me *gomysql.MySQLError
		if errors.As(err, &me) {
			if attempt == 0 && me.Number == errDuplicateEntry {
				continue
			}
			return domain.Report{}, fmt.Errorf("insert report: %w", err)
		}
		// A timeout or broken connection may have hit after the commit.
		if seq, ok := l.committedSeq(ctx, r.ID); ok {
			r.Seq = seq
			return r, nil
		}
		return domain.Report{}, fmt.Errorf("insert report: %w", err)
	}
}

func (l *Ledger) insert(ctx context.Context, r domain.Report) (int64, error) {
	var lat, lon sql.NullFloat64
	if r.Location != nil {
		lat = sql.NullFloat64{Float64: r.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: r.Location.Lon, Valid: true}
	}

	res, err := l.db.ExecContext(ctx, insertReport,
		r.ID,
		r.Timestamp,
		lat,
		lon,
		nullString(r.CropDetection),
		nullString(r.DiseaseDetection),
		nullString(r.PesticideRecommendation),
		nullIfEmpty(r.ImageLocator),
		nullIfEmpty(r.PlaceName),
		r.IngestedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// committedSeq reports whether a row with id exists, looking it up on a
// context detached from the caller's, which may already be expired.
func (l *Ledger) committedSeq(ctx context.Context, id string) (int64, bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recheckTimeout)
	defer cancel()

	var seq int64
	if err := l.db.QueryRowContext(ctx, selectSeqByID, id).Scan(&seq); err != nil {
		return 0, false
	}
	return seq, true
}

// Latest returns the report with the greatest observation time, ties going
// to the later insertion.
func (l *Ledger) Latest(ctx context.Context) (domain.Report, error) {
	var (
		r                        domain.Report
		lat, lon                 sql.NullFloat64
		crop, disease, pesticide sql.NullString
		locator, place           sql.NullString
	)
	err := l.db.QueryRowContext(ctx, selectLatest).Scan(
		&r.Seq, &r.ID, &r.Timestamp, &lat, &lon,
		&crop, &disease, &pesticide, &locator, &place, &r.IngestedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Report{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Report{}, fmt.Errorf("query latest report: %w", err)
	}

	if lat.Valid && lon.Valid {
		r.Location = &domain.Location{Lat: lat.Float64, Lon: lon.Float64}
	}
	r.CropDetection = stringPtr(crop)
	r.DiseaseDetection = stringPtr(disease)
	r.PesticideRecommendation = stringPtr(pesticide)
	r.ImageLocator = locator.String
	r.PlaceName = place.String
	r.Timestamp = r.Timestamp.UTC()
	r.IngestedAt = r.IngestedAt.UTC()
	return r, nil
}

// Ping checks the connection for readiness probes.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close releases the connection pool.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
