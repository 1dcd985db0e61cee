// Package pipeline runs the riparian overlay end to end: connect, load both
// layers, validate, overlay, then persist to a table and a file.
package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"riparian-overlay/pkg/geom"
	"riparian-overlay/pkg/overlay"
	"riparian-overlay/pkg/projection"
	"riparian-overlay/pkg/sink"
	"riparian-overlay/pkg/store"

	"github.com/rs/zerolog"
)

type Stage string

const (
	StageConnect          Stage = "connect"
	StageLoadLandUse      Stage = "load_land_use"
	StageLoadWatercourses Stage = "load_watercourses"
	StageValidate         Stage = "validate"
	StageOverlay          Stage = "overlay"
	StageWriteTable       Stage = "write_table"
	StageWriteFile        Stage = "write_file"
)

type State string

const (
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

// StageError reports which stage failed and what it was working on.
type StageError struct {
	Stage  Stage
	Target string
	Err    error
}

func (e *StageError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed on %s: %v", e.Stage, e.Target, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Report tells the caller how far a run got.
type Report struct {
	State     State
	Completed []Stage
	Rows      int64
}

// Env carries the collaborators of a run.
type Env struct {
	Logger zerolog.Logger
	// Open connects to the store; nil means store.Open.
	Open store.Opener
}

type Params struct {
	ConnString        string
	LandUseTable      string
	WatercoursesTable string
	GeomColumn        string
	OutputTable       string
	OutputFile        string
	// Reproject moves the watercourses into the land-use reference instead of
	// failing when the two differ.
	Reproject bool
	Overlay   overlay.Options
	File      sink.FileOptions
}

type run struct {
	log    zerolog.Logger
	report Report
}

// stage runs fn as one step of the state machine, logging its transitions.
func (r *run) stage(s Stage, target string, fn func() error) error {
	log := r.log.With().Str("stage", string(s)).Str("target", target).Logger()
	log.Info().Msg("stage start")

	if err := fn(); err != nil {
		log.Error().Err(err).Msg("stage failed")
		r.report.State = StateFailed
		return &StageError{Stage: s, Target: target, Err: err}
	}

	log.Info().Msg("stage done")
	r.report.Completed = append(r.report.Completed, s)
	return nil
}

// Run executes the whole pipeline, stopping at the first failing stage. Whatever a
// stage committed before failing stays committed.
func Run(ctx context.Context, env Env, p Params) (Report, error) {
	open := env.Open
	if open == nil {
		open = store.Open
	}

	r := &run{log: env.Logger, report: Report{State: StateFailed}}

	var s store.Store
	if err := r.stage(StageConnect, redact(p.ConnString), func() error {
		var err error
		s, err = open(ctx, p.ConnString)
		return err
	}); err != nil {
		return r.report, err
	}
	defer s.Close()

	var landUse, watercourses *geom.Layer
	defer func() {
		if landUse != nil {
			landUse.Release()
		}
		if watercourses != nil {
			watercourses.Release()
		}
	}()

	if err := r.stage(StageLoadLandUse, p.LandUseTable, func() error {
		var err error
		landUse, err = s.LoadLayer(ctx, p.LandUseTable, p.GeomColumn)
		if err == nil {
			r.log.Info().
				Str("table", p.LandUseTable).
				Int64("rows", landUse.NumRows()).
				Int("srid", landUse.SRID()).
				Strs("columns", landUse.AttributeNames()).
				Msg("loaded vector layer")
		}
		return err
	}); err != nil {
		return r.report, err
	}

	if err := r.stage(StageLoadWatercourses, p.WatercoursesTable, func() error {
		var err error
		watercourses, err = s.LoadLayer(ctx, p.WatercoursesTable, p.GeomColumn)
		if err == nil {
			r.log.Info().
				Str("table", p.WatercoursesTable).
				Int64("rows", watercourses.NumRows()).
				Int("srid", watercourses.SRID()).
				Strs("columns", watercourses.AttributeNames()).
				Msg("loaded vector layer")
		}
		return err
	}); err != nil {
		return r.report, err
	}

	if err := r.stage(StageValidate, p.WatercoursesTable, func() error {
		if p.Reproject && landUse.SRID() != watercourses.SRID() && landUse.SRID() > 0 && watercourses.SRID() > 0 {
			moved, err := projection.Transform(ctx, watercourses, landUse.SRID())
			if err != nil {
				return err
			}
			r.log.Info().
				Str("from", watercourses.GetCRS()).
				Str("to", moved.GetCRS()).
				Msg("watercourses reprojected to the land use reference")
			watercourses.Release()
			watercourses = moved
		}

		if err := overlay.Validate(landUse, watercourses, p.Overlay.Distance); err != nil {
			return err
		}

		// Geometry kinds are not enforced, only reported.
		if kind, err := landUse.GetGeometryType(); err == nil && kind != geom.POLYGONAL && kind != geom.EMPTY {
			r.log.Warn().Str("table", p.LandUseTable).Str("geometry_type", string(kind)).Msg("land use layer is not polygonal")
		}
		if kind, err := watercourses.GetGeometryType(); err == nil && kind != geom.LINEAL && kind != geom.EMPTY {
			r.log.Warn().Str("table", p.WatercoursesTable).Str("geometry_type", string(kind)).Msg("watercourse layer is not lineal")
		}

		switch {
		case landUse.SRID() <= 0:
			r.log.Warn().Msg("spatial reference of the inputs is unknown, buffer distance units cannot be checked")
		case geom.IsGeographic(landUse.SRID()):
			r.log.Warn().Str("crs", landUse.GetCRS()).Msg("inputs use a geographic reference, buffer distance is in degrees")
		}
		return nil
	}); err != nil {
		return r.report, err
	}

	var result *geom.Layer
	defer func() {
		if result != nil {
			result.Release()
		}
	}()

	if err := r.stage(StageOverlay, p.LandUseTable, func() error {
		engine, err := overlay.NewEngine(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		result, err = engine.Run(ctx, landUse, watercourses, p.Overlay)
		if err == nil {
			r.log.Info().
				Float64("buffer_distance", p.Overlay.Distance).
				Bool("dissolve", p.Overlay.Dissolve).
				Int64("rows", result.NumRows()).
				Msg("applied buffer and intersection")
		}
		return err
	}); err != nil {
		return r.report, err
	}
	r.report.Rows = result.NumRows()

	if err := r.stage(StageWriteTable, p.OutputTable, func() error {
		return sink.WriteTable(ctx, s, p.OutputTable, result)
	}); err != nil {
		return r.report, err
	}

	if err := r.stage(StageWriteFile, p.OutputFile, func() error {
		return sink.WriteFile(p.OutputFile, result, p.File)
	}); err != nil {
		return r.report, err
	}

	r.report.State = StateSuccess
	return r.report, nil
}

var (
	dsnPassword = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)
	// userinfo up to the last '@', for URLs net/url refuses to parse.
	urlPassword = regexp.MustCompile(`(://[^:/@]*:).*@`)
)

// redact hides the password of a connection string before it is logged.
func redact(connStr string) string {
	if strings.Contains(connStr, "://") {
		if u, err := url.Parse(connStr); err == nil {
			return u.Redacted()
		}
		connStr = urlPassword.ReplaceAllString(connStr, "${1}xxxxx@")
	}
	return dsnPassword.ReplaceAllString(connStr, "${1}xxxxx")
}
