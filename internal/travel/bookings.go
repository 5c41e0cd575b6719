package travel

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/pkg/errors"
)

// ArrangerNotice is returned instead of bookings for non-traveller roles.
const ArrangerNotice = "You are listed as a Travel Arranger in your profile. Please enter the Agency Reference or PNR."

const maxBookings = 1000

var bookingColumns = []string{
	"PNRID", "PNRLOC", "CRS", "CREATEDATE", "AGENCY", "BOOKDATE", "PSEUDO",
	"FIRSTFLIGHTDATE", "LASTFLIGHTDATE", "TRAVELER_UID", "COMPANY_ID", "CLIENT_GROUP_CODE",
	"HIROLL", "HIHIER", "ONLINE_BKG", "MISSING_HTL", "EMAIL_TRAVELER", "EMAIL_ADMIN1",
	"EMAIL_ADMIN2", "EMAIL_OTHER1", "EMAIL_MANAGER", "CELL_PHONE", "EMERG_NAME", "EMERG_PHONE",
	"AIR_CITIES", "AIR_CARRIERS", "PROFILE_ID", "GLOBAL_GROUP_CODE", "AGENTID",
}

// Booking is one PNR row keyed by column name.
type Booking map[string]any

// BookingsRepo reads live bookings from the reporting database.
type BookingsRepo struct {
	db     *sql.DB
	driver string
	query  string
	now    func() time.Time
}

// OpenBookings opens the bookings database. driver is "sqlserver" for the
// reporting warehouse or "sqlite3" for local data.
func OpenBookings(driver, dsn string) (*BookingsRepo, error) {
	if dsn == "" {
		return nil, errors.New("bookings dsn is not configured")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", driver)
	}
	return NewBookingsRepo(db, driver), nil
}

// NewBookingsRepo wraps an open database.
func NewBookingsRepo(db *sql.DB, driver string) *BookingsRepo {
	return &BookingsRepo{db: db, driver: driver, query: bookingsQuery(driver), now: time.Now}
}

func bookingsQuery(driver string) string {
	if driver == "sqlserver" {
		cols := make([]string, len(bookingColumns))
		for i, c := range bookingColumns {
			cols[i] = "[" + c + "]"
		}
		return "SELECT TOP (1000) " + strings.Join(cols, ", ") +
			" FROM [dbo].[PREVIEW_PNR] WHERE COMPANY_ID = @debtor AND EMAIL_TRAVELER = @email"
	}
	return "SELECT " + strings.Join(bookingColumns, ", ") +
		" FROM PREVIEW_PNR WHERE COMPANY_ID = @debtor AND EMAIL_TRAVELER = @email LIMIT 1000"
}

// Live returns the traveller's bookings whose last flight is today or later.
// Arrangers get ArrangerNotice and no rows.
func (r *BookingsRepo) Live(ctx context.Context, role, email, debtorID string) ([]Booking, string, error) {
	if role != "traveller" {
		return nil, ArrangerNotice, nil
	}

	rows, err := r.db.QueryContext(ctx, r.query, sql.Named("debtor", debtorID), sql.Named("email", email))
	if err != nil {
		return nil, "", errors.Wrap(err, "query bookings")
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, "", errors.Wrap(err, "read booking columns")
	}

	now := r.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	bookings := []Booking{}
	for rows.Next() {
		values := make([]any, len(colTypes))
		ptrs := make([]any, len(colTypes))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, "", errors.Wrap(err, "scan booking")
		}

		b := make(Booking, len(colTypes))
		var last time.Time
		for i, ct := range colTypes {
			name := ct.Name()
			if name == "LASTFLIGHTDATE" {
				last = asTime(values[i])
			}
			b[name] = normalise(ct.DatabaseTypeName(), values[i])
		}
		if last.IsZero() {
			continue
		}
		lastDay := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC)
		if lastDay.Before(today) {
			continue
		}
		bookings = append(bookings, b)
		if len(bookings) == maxBookings {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", errors.Wrap(err, "iterate bookings")
	}
	return bookings, "", nil
}

// Close closes the database.
func (r *BookingsRepo) Close() error {
	return r.db.Close()
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	case []byte:
		return asTime(string(t))
	}
	return time.Time{}
}

// normalise renders dates as ISO strings and identifiers as canonical text.
func normalise(dbType string, v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format("2006-01-02T15:04:05")
	case []byte:
		if dbType == "UNIQUEIDENTIFIER" {
			var id mssql.UniqueIdentifier
			if err := id.Scan(t); err == nil {
				return id.String()
			}
		}
		return string(t)
	}
	return v
}
