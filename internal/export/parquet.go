// ABOUTME: Exports the persisted event log as a Parquet file
// ABOUTME: One row per event with properties flattened to a JSON column

package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/2389/abkit/internal/analytics"
)

// Row is the Parquet schema of an exported event.
type Row struct {
	EventID        string `parquet:"event_id"`
	Event          string `parquet:"event"`
	UserID         string `parquet:"user_id"`
	SessionID      string `parquet:"session_id"`
	TimestampMs    int64  `parquet:"timestamp_ms"`
	PageURL        string `parquet:"page_url"`
	Referrer       string `parquet:"referrer"`
	Device         string `parquet:"device"`
	ViewportWidth  int32  `parquet:"viewport_width"`
	ViewportHeight int32  `parquet:"viewport_height"`
	ExperimentID   string `parquet:"experiment_id,optional"`
	Variant        string `parquet:"variant,optional"`
	Properties     string `parquet:"properties"`
}

// ToRow flattens an event. Conversion attribution gets its own columns.
func ToRow(e analytics.Event) (Row, error) {
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return Row{}, fmt.Errorf("encoding properties of %s: %w", e.ID, err)
	}

	r := Row{
		EventID:        e.ID,
		Event:          e.Name,
		UserID:         e.UserID,
		SessionID:      e.SessionID,
		TimestampMs:    e.Timestamp.UnixMilli(),
		PageURL:        e.PageURL,
		Referrer:       e.Referrer,
		Device:         string(e.Device),
		ViewportWidth:  int32(e.Viewport.Width),
		ViewportHeight: int32(e.Viewport.Height),
		Properties:     string(props),
	}
	if expID, variant, ok := e.Conversion(); ok {
		r.ExperimentID = expID
		r.Variant = variant
	}
	return r, nil
}

// WriteParquet writes events to w and returns the number of rows written.
func WriteParquet(w io.Writer, events []analytics.Event) (int, error) {
	rows := make([]Row, 0, len(events))
	for _, e := range events {
		r, err := ToRow(e)
		if err != nil {
			return 0, err
		}
		rows = append(rows, r)
	}

	writer := parquet.NewGenericWriter[Row](w)
	n, err := writer.Write(rows)
	if err != nil {
		return n, fmt.Errorf("writing parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return n, fmt.Errorf("closing parquet writer: %w", err)
	}
	return n, nil
}

// WriteFile exports events to a Parquet file at path.
func WriteFile(path string, events []analytics.Event) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}

	n, err := WriteParquet(f, events)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing %s: %w", path, closeErr)
	}
	return n, err
}
