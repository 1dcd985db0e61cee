package geom

import (
	"fmt"

	"github.com/paulmach/orb"
)

type GeometryType string

const (
	POLYGONAL GeometryType = "polygonal"
	LINEAL    GeometryType = "lineal"
	PUNTAL    GeometryType = "puntal"
	MIXED     GeometryType = "mixed"
	EMPTY     GeometryType = "empty"
)

// TypeOf classifies an orb geometry. Nil and empty geometries are EMPTY.
func TypeOf(g orb.Geometry) GeometryType {
	if g == nil || isEmpty(g) {
		return EMPTY
	}

	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Ring, orb.Bound:
		return POLYGONAL
	case orb.LineString, orb.MultiLineString:
		return LINEAL
	case orb.Point, orb.MultiPoint:
		return PUNTAL
	default:
		return MIXED
	}
}

func isEmpty(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) == 0
	case orb.MultiLineString:
		return len(v) == 0
	case orb.Ring:
		return len(v) == 0
	case orb.Polygon:
		return len(v) == 0 || len(v[0]) == 0
	case orb.MultiPolygon:
		return len(v) == 0
	case orb.Collection:
		return len(v) == 0
	}
	return false
}

// CRSFromSRID formats an EPSG code the way DuckDB ST_Transform expects it.
func CRSFromSRID(srid int) string {
	if srid <= 0 {
		return ""
	}
	return fmt.Sprintf("EPSG:%d", srid)
}

// geographic EPSG codes seen in practice; distances in these are degrees.
var geographicSRIDs = map[int]struct{}{
	4326: {},
	4269: {},
	4258: {},
	4283: {},
	4490: {},
	4674: {},
	4755: {},
	4167: {},
}

// IsGeographic reports whether srid is a known geographic (lat/lon) reference.
func IsGeographic(srid int) bool {
	_, ok := geographicSRIDs[srid]
	return ok
}
