package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/route"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// RouteStore reads route documents from the authoritative routes table. It
// never writes.
type RouteStore struct {
	db      *sql.DB
	shapeEx string // SQL expression yielding [[lng,lat],...] jsonb
	zoneEx  string // same for the end zone ring, may be NULL
}

// NewRouteStore inspects the routes table once to decide how coordinates are
// stored: jsonb shape/end_zone columns, or PostGIS shape_geom/end_zone_geom.
func NewRouteStore(ctx context.Context, db *sql.DB) (*RouteStore, error) {
	cols, err := hasColumns(ctx, db, "public", "routes", "shape", "end_zone", "shape_geom", "end_zone_geom")
	if err != nil {
		return nil, fmt.Errorf("introspect routes columns: %w", err)
	}
	s := &RouteStore{db: db}
	switch {
	case cols["shape"]:
		s.shapeEx = "shape::jsonb"
	case cols["shape_geom"]:
		s.shapeEx = "(ST_AsGeoJSON(shape_geom)::jsonb)->'coordinates'"
	default:
		return nil, fmt.Errorf("routes table missing expected columns (shape or shape_geom)")
	}
	switch {
	case cols["end_zone"]:
		s.zoneEx = "end_zone::jsonb"
	case cols["end_zone_geom"]:
		s.zoneEx = "(ST_AsGeoJSON(end_zone_geom)::jsonb)->'coordinates'->0"
	default:
		s.zoneEx = "NULL::jsonb"
	}
	return s, nil
}

func (s *RouteStore) selectDocuments() string {
	return fmt.Sprintf(`SELECT id, direction, COALESCE(number, ''), COALESCE(name, ''),
       %s AS shape, %s AS end_zone, updated_at
FROM routes`, s.shapeEx, s.zoneEx)
}

// ListRoutes returns every route document. Rows whose coordinates cannot be
// decoded are returned with an empty shape so the caller can skip and log them.
func (s *RouteStore) ListRoutes(ctx context.Context) ([]route.Document, error) {
	rows, err := s.db.QueryContext(ctx, s.selectDocuments()+" ORDER BY id, direction")
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	var docs []route.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListRouteVersions returns the change markers for every route.
func (s *RouteStore) ListRouteVersions(ctx context.Context) ([]route.Version, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, direction, updated_at FROM routes ORDER BY id, direction`)
	if err != nil {
		return nil, fmt.Errorf("query route versions: %w", err)
	}
	defer rows.Close()

	var versions []route.Version
	for rows.Next() {
		var v route.Version
		var dir string
		if err := rows.Scan(&v.RouteID, &dir, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.Direction = route.Direction(dir)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// GetRoute returns one document or route.ErrNotFound.
func (s *RouteStore) GetRoute(ctx context.Context, key route.Key) (route.Document, error) {
	q := s.selectDocuments() + " WHERE id = $1 AND direction = $2"
	doc, err := scanDocument(s.db.QueryRowContext(ctx, q, key.RouteID, string(key.Direction)))
	if errors.Is(err, sql.ErrNoRows) {
		return route.Document{}, fmt.Errorf("%s: %w", key, route.ErrNotFound)
	}
	return doc, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(sc scanner) (route.Document, error) {
	var doc route.Document
	var dir string
	var shapeJSON, zoneJSON []byte
	if err := sc.Scan(&doc.ID, &dir, &doc.Number, &doc.Name, &shapeJSON, &zoneJSON, &doc.UpdatedAt); err != nil {
		return route.Document{}, err
	}
	doc.Direction = route.Direction(dir)
	// Undecodable coordinates surface later as a validation failure for this route only.
	doc.Shape, _ = decodeCoords(shapeJSON)
	doc.EndZone, _ = decodeCoords(zoneJSON)
	return doc, nil
}

// decodeCoords parses a GeoJSON-style [[lng,lat],...] array. Extra ordinates
// (altitude) are ignored.
func decodeCoords(b []byte) ([]geo.Point, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var raw [][]float64
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode coordinates: %w", err)
	}
	pts := make([]geo.Point, 0, len(raw))
	for _, c := range raw {
		if len(c) < 2 {
			return nil, fmt.Errorf("decode coordinates: position with %d ordinates", len(c))
		}
		pts = append(pts, geo.Point{Lng: c[0], Lat: c[1]})
	}
	return pts, nil
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
