package mixer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const statsLogHeader = "name,bytes per second"

// StatsLog is the durable per-sink throughput log.
type StatsLog interface {
	Open(sinkID string) error
	Append(rec ThroughputRecord) error
}

type nopStatsLog struct{}

func (nopStatsLog) Open(string) error             { return nil }
func (nopStatsLog) Append(ThroughputRecord) error { return nil }

// FileStatsLog writes one csv file per sink under Dir. The header is written
// once, when the file is first created, so logs survive rebuilds.
type FileStatsLog struct {
	Dir string
	mu  sync.Mutex
}

func NewFileStatsLog(dir string) (*FileStatsLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create stats dir: %w", err)
	}
	return &FileStatsLog{Dir: dir}, nil
}

// Path returns the log file used for sinkID.
func (l *FileStatsLog) Path(sinkID string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(sinkID)
	return filepath.Join(l.Dir, name+".csv")
}

func (l *FileStatsLog) Open(sinkID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.Path(sinkID)
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return nil
	}
	return os.WriteFile(path, []byte(statsLogHeader+"\n"), 0o644)
}

func (l *FileStatsLog) Append(rec ThroughputRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.Path(rec.SinkID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{rec.SinkID, strconv.FormatUint(rec.BytesPerSecond, 10)}); err != nil {
		_ = f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
