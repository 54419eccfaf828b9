// Package worker 离线快照分析的 worker 池
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull 任务队列已满
var ErrQueueFull = errors.New("task queue is full")

// ErrPoolStopped worker 池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// ErrTaskPanicked 分析过程中发生 panic
var ErrTaskPanicked = errors.New("snapshot analysis panicked")

// Task 一个快照分析任务
type Task struct {
	ID       string
	Path     string
	resultCh chan taskResult
}

type taskResult struct {
	report *domain.ScanReport
	err    error
}

// Pool Worker 池
type Pool struct {
	workers  int
	taskChan chan *Task
	analyzer *Analyzer
	recorder Recorder
	logger   *logrus.Logger

	active   atomic.Int32
	mu       sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool 创建 Worker 池，recorder 可为 nil
func NewPool(workers, queueSize int, analyzer *Analyzer, recorder Recorder, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		analyzer: analyzer,
		recorder: recorder,
		logger:   logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.updateStats()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			p.run(ctx, id, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task *Task) {
	p.active.Add(1)
	p.updateStats()
	defer func() {
		p.active.Add(-1)
		p.updateStats()
	}()

	log := p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"task_id":   task.ID,
		"path":      task.Path,
	})
	log.Info("Processing snapshot")

	report, err := p.analyze(ctx, task)
	if err != nil {
		log.WithError(err).Error("Snapshot analysis failed")
	} else {
		log.WithField("report_id", report.ID).Info("Snapshot analysis completed")
	}

	if task.resultCh != nil {
		task.resultCh <- taskResult{report: report, err: err}
		close(task.resultCh)
	}
}

// analyze 执行分析，panic 转换为错误返回给提交者
func (p *Pool) analyze(ctx context.Context, task *Task) (report *domain.ScanReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			report = nil
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return p.analyzer.AnalyzeFile(ctx, task.Path)
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- task:
		p.updateStats()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待报告
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) (*domain.ScanReport, error) {
	task.resultCh = make(chan taskResult, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return nil, ErrPoolStopped
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}
	p.updateStats()

	select {
	case res := <-task.resultCh:
		return res.report, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop 停止接收任务，等待队列中的任务处理完
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool")
		p.mu.Lock()
		p.stopped = true
		close(p.taskChan)
		p.mu.Unlock()

		p.wg.Wait()
		p.logger.Info("Worker pool stopped")
	})
}

// QueueSize 队列中的任务数
func (p *Pool) QueueSize() int {
	return len(p.taskChan)
}

// Active 正在处理的任务数
func (p *Pool) Active() int {
	return int(p.active.Load())
}

func (p *Pool) updateStats() {
	if p.recorder != nil {
		p.recorder.UpdateWorkerPoolStats(p.workers, p.Active(), p.QueueSize())
	}
}
