package aggregator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// parquetAllocation is the audit-export row schema. Allocations outlive their
// ring slot, so these snapshots are the long-term record auditors reconcile
// claims against.
type parquetAllocation struct {
	Epoch     int64  `parquet:"name=epoch, type=INT64"`
	Channel   string `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8"`
	LeafIndex int32  `parquet:"name=leaf_index, type=INT32"`
	Amount    int64  `parquet:"name=amount, type=INT64"`
	Identity  string `parquet:"name=identity, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProofJSON string `parquet:"name=proof_json, type=BYTE_ARRAY, convertedtype=UTF8"`
	SealedAt  string `parquet:"name=sealed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportEpoch writes a sealed epoch's full allocation set to a parquet file
// under outputDir and returns the file path. The epoch must be sealed.
func (s *Store) ExportEpoch(ctx context.Context, outputDir, channel string, epoch uint64) (string, error) {
	seal, err := s.SealFor(ctx, channel, epoch)
	if err != nil {
		return "", err
	}
	rows, err := s.Allocations(ctx, channel, epoch)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("aggregator: create export dir: %w", err)
	}

	path := filepath.Join(outputDir, fmt.Sprintf("%s_epoch_%d.parquet", seal.Channel, epoch))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("aggregator: create export: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetAllocation), 1)
	if err != nil {
		file.Close()
		return "", fmt.Errorf("aggregator: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	sealedAt := seal.SealedAt.Format(time.RFC3339)
	for _, row := range rows {
		record := &parquetAllocation{
			Epoch:     int64(row.Epoch),
			Channel:   row.Channel,
			LeafIndex: int32(row.LeafIndex),
			Amount:    int64(row.Amount),
			Identity:  row.Identity,
			ProofJSON: row.ProofJSON,
			SealedAt:  sealedAt,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			file.Close()
			return "", fmt.Errorf("aggregator: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return "", fmt.Errorf("aggregator: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("aggregator: close export: %w", err)
	}
	return path, nil
}
