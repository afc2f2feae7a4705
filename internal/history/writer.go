package history

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GuIIWen/Xpod-Executor/internal/dispatch"
)

// Writer batches records and inserts them off the dispatch path. When the
// buffer is full, records are dropped rather than stalling a batch run.
type Writer struct {
	repo          *Repo
	ch            chan Record
	stop          chan struct{}
	flushInterval time.Duration
	batchSize     int
	wg            sync.WaitGroup
}

func NewWriter(repo *Repo, flushInterval time.Duration, batchSize int) *Writer {
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	w := &Writer{
		repo:          repo,
		ch:            make(chan Record, batchSize*4),
		stop:          make(chan struct{}),
		flushInterval: flushInterval,
		batchSize:     batchSize,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, w.batchSize)
	flush := func() {
		for i := range batch {
			rec := batch[i]
			_ = w.repo.Insert(&rec)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-w.ch:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 {
				flush()
			}
		case <-w.stop:
			// drain whatever was queued before the final flush
			for {
				select {
				case rec := <-w.ch:
					batch = append(batch, rec)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				flush()
			}
			return
		}
	}
}

func (w *Writer) Write(rec Record) {
	select {
	case w.ch <- rec:
	default: // drop if full
	}
}

func (w *Writer) Close() {
	close(w.stop)
	w.wg.Wait()
}

// Record implements dispatch.ResultSink.
func (w *Writer) Record(runID uuid.UUID, task dispatch.Task, results []dispatch.Result) {
	for _, res := range results {
		w.Write(fromResult(runID, res))
	}
}

var _ dispatch.ResultSink = (*Writer)(nil)

func fromResult(runID uuid.UUID, res dispatch.Result) Record {
	rec := Record{
		RunID:       runID.String(),
		NodeID:      res.NodeID,
		NodeName:    res.NodeName,
		NodeAddress: res.NodeAddress,
		Kind:        res.Kind.String(),
		Command:     res.Command,
		Success:     res.Success,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		Error:       res.Error,
		Attempts:    res.Attempts,
		ElapsedMs:   res.Elapsed.Milliseconds(),
		CreatedAt:   time.Now(),
	}
	if res.ExitCode != nil {
		rec.ExitCode = sql.NullInt64{Int64: int64(*res.ExitCode), Valid: true}
	}
	return rec
}
