package telemetry

import (
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OpenDB opens a traced connection pool and exports its pool stats as
// metrics. schema names the logical store ("orders", "inventory").
func OpenDB(driverName, dsn, schema string) (*sql.DB, error) {
	attrs := otelsql.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.namespace", schema),
	)

	db, err := otelsql.Open(driverName, dsn, attrs,
		otelsql.WithSpanOptions(otelsql.SpanOptions{
			OmitConnResetSession: true,
			OmitRows:             true,
		}),
	)
	if err != nil {
		return nil, err
	}

	if _, err := otelsql.RegisterDBStatsMetrics(db, attrs); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register db stats metrics: %w", err)
	}

	return db, nil
}
