// Package config reads the run parameters from the environment.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"
)

type Config struct {
	DatabaseURL       string
	LandUseTable      string
	WatercoursesTable string
	GeomColumn        string
	BufferDistance    float64
	OutputTable       string
	OutputFile        string
	RefColumn         string
	Dissolve          bool
	Reproject         bool
	QuadSegs          int
	Delimiter         string
	LogFile           string
	LogLevel          string
	LogConsole        bool
}

func FromEnv() Config {
	return Config{
		DatabaseURL:       getenv("DATABASE_URL", ""),
		LandUseTable:      getenv("LAND_USE_TABLE", "landuse_10km"),
		WatercoursesTable: getenv("WATERCOURSES_TABLE", "rivers_10km"),
		GeomColumn:        getenv("GEOM_COLUMN", "geom"),
		BufferDistance:    getfloat("BUFFER_DISTANCE", 50),
		OutputTable:       getenv("OUTPUT_TABLE", "landuse_results"),
		OutputFile:        getenv("OUTPUT_FILE", "filtered_land_use_results.csv"),
		RefColumn:         getenv("WATERCOURSE_REF_COLUMN", ""),
		Dissolve:          getbool("DISSOLVE", false),
		Reproject:         getbool("REPROJECT", false),
		QuadSegs:          getint("BUFFER_QUAD_SEGS", 8),
		Delimiter:         getenv("CSV_DELIMITER", ","),
		LogFile:           getenv("LOG_FILE", "application.log"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogConsole:        getbool("LOG_CONSOLE", false),
	}
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if c.LandUseTable == "" {
		errs = append(errs, errors.New("land use table is required"))
	}
	if c.WatercoursesTable == "" {
		errs = append(errs, errors.New("watercourses table is required"))
	}
	if c.OutputTable == "" {
		errs = append(errs, errors.New("output table is required"))
	}
	if c.OutputFile == "" {
		errs = append(errs, errors.New("output file is required"))
	}
	if math.IsNaN(c.BufferDistance) || math.IsInf(c.BufferDistance, 0) || c.BufferDistance <= 0 {
		errs = append(errs, fmt.Errorf("buffer distance must be a number greater than zero, got %v", c.BufferDistance))
	}
	if c.QuadSegs <= 0 {
		errs = append(errs, fmt.Errorf("buffer quad segments must be positive, got %d", c.QuadSegs))
	}
	if _, err := c.DelimiterRune(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}

	return errors.Join(errs...)
}

// DelimiterRune decodes the delimiter setting. "\t" and "tab" both mean a tab.
func (c Config) DelimiterRune() (rune, error) {
	switch c.Delimiter {
	case "":
		return ',', nil
	case `\t`, "tab":
		return '\t', nil
	}

	r, size := utf8.DecodeRuneInString(c.Delimiter)
	if r == utf8.RuneError || size != len(c.Delimiter) || r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("delimiter must be a single character other than a quote or newline, got %q", c.Delimiter)
	}
	return r, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getint returns -1 for a value that is not an integer, which Validate rejects.
func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return -1
		}
		return n
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

// getfloat yields NaN for an unparsable value so Validate can reject it.
func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return def
}
