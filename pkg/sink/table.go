// Package sink persists overlay results to a database table and to a flat file.
// The two writers are independent; neither retries nor undoes the other.
package sink

import (
	"context"
	"errors"
	"fmt"

	"riparian-overlay/pkg/geom"
	"riparian-overlay/pkg/store"
)

var ErrWrite = errors.New("write error")

// WriteTable replaces table with the layer's rows and spatial reference.
// Running it twice with the same layer leaves the same table behind.
func WriteTable(ctx context.Context, s store.Store, table string, layer *geom.Layer) error {
	if table == "" {
		return fmt.Errorf("%w: empty table name", ErrWrite)
	}

	if err := s.ReplaceTable(ctx, table, layer); err != nil {
		return fmt.Errorf("%w: table %s: %v", ErrWrite, table, err)
	}

	return nil
}
