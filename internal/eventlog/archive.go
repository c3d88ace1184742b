package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Archive appends entries to hourly files named events-YYYY-MM-DD-HH.jsonl.zst
// under dir. The hour comes from the entry timestamp. Writes happen on a
// background goroutine; Enqueue never blocks.
type Archive struct {
	dir string
	log *zap.Logger

	queue   chan []Entry
	done    chan struct{}
	dropped atomic.Uint64

	closeOnce sync.Once

	// writer goroutine only
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewArchive(dir string, queueSize int, log *zap.Logger) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir %s: %w", dir, err)
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	a := &Archive{
		dir:   dir,
		log:   log,
		queue: make(chan []Entry, queueSize),
		done:  make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Enqueue hands entries to the writer, dropping them if it is backed up.
func (a *Archive) Enqueue(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	select {
	case a.queue <- entries:
	default:
		a.dropped.Add(uint64(len(entries)))
	}
}

// Dropped counts entries discarded because the writer fell behind.
func (a *Archive) Dropped() uint64 { return a.dropped.Load() }

// Close drains the queue and closes the current file.
func (a *Archive) Close() error {
	a.closeOnce.Do(func() { close(a.queue) })
	<-a.done
	return nil
}

func (a *Archive) run() {
	defer close(a.done)
	for entries := range a.queue {
		for _, e := range entries {
			if err := a.write(e); err != nil {
				a.log.Error("archive write failed", zap.Error(err))
				break
			}
		}
		if a.w != nil {
			if err := a.w.Flush(); err != nil {
				a.log.Error("archive flush failed", zap.Error(err))
			}
		}
	}
	if err := a.closeFile(); err != nil {
		a.log.Error("archive close failed", zap.Error(err))
	}
}

func (a *Archive) write(e Entry) error {
	hour := time.UnixMilli(e.Timestamp).UTC().Format("2006-01-02-15")
	if hour != a.curHour {
		if err := a.rotate(hour); err != nil {
			return err
		}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := a.w.Write(b); err != nil {
		return err
	}
	return a.w.WriteByte('\n')
}

func (a *Archive) rotate(hour string) error {
	if err := a.closeFile(); err != nil {
		return err
	}
	f, err := os.OpenFile(a.PathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	a.f = f
	a.enc = enc
	a.w = bufio.NewWriterSize(enc, 128*1024)
	a.curHour = hour
	return nil
}

func (a *Archive) closeFile() error {
	var err error
	if a.w != nil {
		err = a.w.Flush()
	}
	if a.enc != nil {
		if cerr := a.enc.Close(); err == nil {
			err = cerr
		}
		a.enc = nil
	}
	if a.f != nil {
		_ = a.f.Close()
		a.f = nil
	}
	a.w = nil
	a.curHour = ""
	return err
}

// PathForHour is the file holding entries of the given UTC hour
// (formatted 2006-01-02-15).
func (a *Archive) PathForHour(hour string) string {
	return filepath.Join(a.dir, fmt.Sprintf("events-%s.jsonl.zst", hour))
}

// ReadFile decodes an archive file back into entries.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Entry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
