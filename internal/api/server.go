// Package api serves the admin and verification HTTP endpoints and mounts
// the live tracking websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/gzhttp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/twpayne/go-polyline"
	"go.uber.org/zap"

	"bus-tracker/internal/cache"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/route"
	"bus-tracker/internal/routesync"
)

type Syncer interface {
	SyncNow(ctx context.Context, actor string) (routesync.Report, error)
}

type Server struct {
	syncer Syncer
	store  cache.Store
	ws     http.Handler
	logger *zap.Logger
}

// NewServer builds the API. ws may be nil when live tracking is served
// elsewhere.
func NewServer(syncer Syncer, store cache.Store, ws http.Handler, logger *zap.Logger) *Server {
	return &Server{syncer: syncer, store: store, ws: ws, logger: logging.OrNop(logger).Named("api")}
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.POST("/v1/sync", s.sync)
	router.GET("/v1/routes/:id/:direction/geometry", s.geometry)

	compressed, err := gzhttp.NewWrapper(gzhttp.MinSize(1024), gzhttp.CompressionLevel(6))
	if err != nil {
		s.logger.Warn("compression config rejected, using defaults", zap.Error(err))
		compressed = func(h http.Handler) http.HandlerFunc { return gzhttp.GzipHandler(h) }
	}

	mux := http.NewServeMux()
	if s.ws != nil {
		// websocket upgrades must not pass through the gzip writer
		mux.Handle("/ws", s.ws)
	}
	mux.Handle("/", compressed(router))
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "http"
	}
	rep, err := s.syncer.SyncNow(r.Context(), actor)
	switch {
	case errors.Is(err, routesync.ErrStopped), errors.Is(err, routesync.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away
	case err != nil:
		s.logger.Error("manual sync failed", zap.String("actor", actor), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sync failed")
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

type geometryResponse struct {
	RouteID   string          `json:"routeId"`
	Direction route.Direction `json:"direction"`
	route.Geometry
}

type polylineResponse struct {
	RouteID         string          `json:"routeId"`
	Direction       route.Direction `json:"direction"`
	Points          string          `json:"points"`
	Length          int             `json:"length"`
	TotalLength     float64         `json:"totalLength"`
	EndZonePoints   string          `json:"endZonePoints,omitempty"`
	SourceUpdatedAt string          `json:"sourceUpdatedAt"`
}

func (s *Server) geometry(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	dir, err := route.ParseDirection(ps.ByName("direction"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := route.Key{RouteID: ps.ByName("id"), Direction: dir}

	g, err := s.store.Get(r.Context(), key)
	if errors.Is(err, cache.ErrMiss) {
		writeError(w, http.StatusNotFound, "no cached geometry for "+key.String())
		return
	}
	if err != nil {
		s.logger.Error("cache read failed", zap.String("route", key.String()), zap.Error(err))
		writeError(w, http.StatusBadGateway, "cache unavailable")
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, geometryResponse{RouteID: key.RouteID, Direction: key.Direction, Geometry: g})
	case "polyline":
		resp := polylineResponse{
			RouteID:         key.RouteID,
			Direction:       key.Direction,
			Points:          string(polyline.EncodeCoords(latLngs(g.Shape))),
			Length:          len(g.Shape),
			TotalLength:     g.TotalLength,
			SourceUpdatedAt: g.SourceUpdatedAt.Format(time.RFC3339),
		}
		if g.HasEndZone() {
			resp.EndZonePoints = string(polyline.EncodeCoords(latLngs(g.EndZonePolygon)))
		}
		writeJSON(w, http.StatusOK, resp)
	case "geojson":
		b, err := featureCollection(key, g).MarshalJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	default:
		writeError(w, http.StatusBadRequest, "unknown format "+format)
	}
}

// latLngs converts to the [lat, lng] pairs polyline encoding expects.
func latLngs(points []geo.Point) [][]float64 {
	out := make([][]float64, len(points))
	for i, p := range points {
		out[i] = []float64{p.Lat, p.Lng}
	}
	return out
}

func featureCollection(key route.Key, g route.Geometry) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	line := make(orb.LineString, len(g.Shape))
	for i, p := range g.Shape {
		line[i] = orb.Point{p.Lng, p.Lat}
	}
	shape := geojson.NewFeature(line)
	shape.Properties["kind"] = "shape"
	shape.Properties["routeId"] = key.RouteID
	shape.Properties["direction"] = string(key.Direction)
	shape.Properties["totalLength"] = g.TotalLength
	fc.Append(shape)

	if g.HasEndZone() {
		ring := make(orb.Ring, 0, len(g.EndZonePolygon)+1)
		for _, p := range g.EndZonePolygon {
			ring = append(ring, orb.Point{p.Lng, p.Lat})
		}
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}
		zone := geojson.NewFeature(orb.Polygon{ring})
		zone.Properties["kind"] = "endZone"
		zone.Properties["routeId"] = key.RouteID
		zone.Properties["direction"] = string(key.Direction)
		fc.Append(zone)
	}
	return fc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
