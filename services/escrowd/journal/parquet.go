package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	EventID    string `parquet:"name=event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowID   int64  `parquet:"name=escrow_id, type=INT64"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAt string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteParquet encodes entries as a snappy-compressed parquet file.
func WriteParquet(w io.Writer, entries []Entry) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, entry := range entries {
		attrs, err := json.Marshal(entry.Attributes)
		if err != nil {
			pw.WriteStop()
			return err
		}
		row := &parquetRow{
			Sequence:   entry.Sequence,
			EventID:    entry.ID,
			Type:       entry.Type,
			EscrowID:   int64(entry.EscrowID),
			Attributes: string(attrs),
			RecordedAt: entry.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return fmt.Errorf("journal: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("journal: parquet flush: %w", err)
	}
	return nil
}

// ExportParquet writes every entry after the given sequence to path and
// reports how many rows were written.
func (j *Journal) ExportParquet(ctx context.Context, path string, after int64) (int, error) {
	entries, err := j.Since(ctx, after, 0)
	if err != nil {
		return 0, err
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	if err := WriteParquet(file, entries); err != nil {
		file.Close()
		return 0, err
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("journal: close parquet file: %w", err)
	}
	return len(entries), nil
}
