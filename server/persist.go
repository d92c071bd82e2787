package server

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"

	"gridspace/grid"
)

// PositionSaver 最后位置的持久化协作方
type PositionSaver interface {
	SavePosition(ctx context.Context, userID, roomID string, pos grid.Position, at time.Time) error
}

const saveTimeout = 5 * time.Second

type positionRecord struct {
	userID string
	roomID string
	pos    grid.Position
	at     time.Time
}

// positionWriter 有界 FIFO + 单个写协程；提交方从不等待写入完成
type positionWriter struct {
	saver   PositionSaver
	limit   int
	metrics *Metrics

	mu     sync.Mutex
	q      *queue.Queue
	closed bool

	wake    chan struct{}
	stopped chan struct{}
}

func newPositionWriter(saver PositionSaver, limit int, metrics *Metrics) *positionWriter {
	w := &positionWriter{
		saver:   saver,
		limit:   limit,
		metrics: metrics,
		q:       queue.New(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit 入队一条记录；队列满或已关闭时丢弃并返回 false
func (w *positionWriter) Submit(rec positionRecord) bool {
	w.mu.Lock()
	if w.closed || w.q.Length() >= w.limit {
		w.mu.Unlock()
		w.metrics.IncPositionsDropped()
		Log.Warnw("position record dropped", "user", rec.userID, "room", rec.roomID)
		return false
	}
	w.q.Add(rec)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *positionWriter) next() (rec positionRecord, ok, closed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.q.Length() > 0 {
		return w.q.Remove().(positionRecord), true, w.closed
	}
	return positionRecord{}, false, w.closed
}

func (w *positionWriter) run() {
	defer close(w.stopped)
	for {
		rec, ok, closed := w.next()
		if ok {
			w.save(rec)
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

func (w *positionWriter) save(rec positionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := w.saver.SavePosition(ctx, rec.userID, rec.roomID, rec.pos, rec.at); err != nil {
		w.metrics.IncPositionsDropped()
		Log.Warnw("save position failed", "user", rec.userID, "room", rec.roomID, "err", err)
		return
	}
	w.metrics.IncPositionsSaved()
}

// Close 停止接收新记录，写完已排队的记录后返回（或 ctx 到期）
func (w *positionWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
