// Package engine 一次性扫描状态机: 定位 → 分类 → 还原 → 识别 → 汇总
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/artguard/internal/aggregate"
	"github.com/apk-analysis/artguard/internal/art"
	"github.com/apk-analysis/artguard/internal/classifier"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/fingerprint"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/apk-analysis/artguard/internal/neutralizer"
	"github.com/sirupsen/logrus"
)

// State 引擎状态
type State int32

const (
	StateUninitialized State = iota
	StateScanning
	StateCompleted
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateScanning:
		return "scanning"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options 引擎参数
type Options struct {
	Anchors     art.Anchors
	Locator     art.Options
	Rules       classifier.Rules
	Neutralizer neutralizer.Options
	Fingerprint fingerprint.Options
	Deadline    time.Duration // 0 表示不限制
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		Locator:     art.DefaultOptions(),
		Rules:       classifier.DefaultRules(),
		Fingerprint: fingerprint.DefaultOptions(),
	}
}

// Details 一次扫描的中间结果，供命令行和接口展示
type Details struct {
	Located        *art.Located
	Fingerprint    *fingerprint.Fingerprint
	Classification *classifier.Result
	Neutralization *neutralizer.Outcome
	Err            error
	Elapsed        time.Duration
}

// Engine 扫描引擎，扫描只执行一次
type Engine struct {
	space    memory.Space
	opts     Options
	logger   *logrus.Logger
	observer Observer

	once    sync.Once
	state   atomic.Int32
	result  *domain.ScanResult
	details Details
}

// Option 引擎选项
type Option func(*Engine)

// WithObserver 设置观察者
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// New 创建引擎
func New(space memory.Space, opts Options, logger *logrus.Logger, options ...Option) *Engine {
	e := &Engine{
		space:    space,
		opts:     opts,
		logger:   logger,
		observer: NopObserver{},
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// State 当前状态
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Start 执行扫描，扫描已经开始或完成时返回 ErrAlreadyCompleted
// 并发调用者阻塞到扫描结束
func (e *Engine) Start(ctx context.Context) error {
	first := false
	e.once.Do(func() {
		first = true
		e.run(ctx)
	})
	if !first {
		return domain.ErrAlreadyCompleted
	}
	return nil
}

// Result 返回扫描结果的副本，必要时先执行扫描
func (e *Engine) Result(ctx context.Context) *domain.ScanResult {
	e.once.Do(func() { e.run(ctx) })
	return e.result.Clone()
}

// Details 返回中间结果，扫描完成前为空
func (e *Engine) Details() Details {
	if e.State() != StateCompleted {
		return Details{}
	}
	return e.details
}

func (e *Engine) defaultName() string {
	if e.opts.Fingerprint.DefaultName != "" {
		return e.opts.Fingerprint.DefaultName
	}
	return fingerprint.DefaultName
}

func (e *Engine) run(ctx context.Context) {
	e.state.Store(int32(StateScanning))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.details.Err = fmt.Errorf("scan panic: %v", r)
			e.result = domain.EmptyResult(e.defaultName())
			e.logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Scan panicked, returning empty result")
		}
		e.details.Elapsed = time.Since(start)
		e.observer.ObserveScan(e.result, e.details.Elapsed, e.details.Err)
		e.state.Store(int32(StateCompleted))
	}()

	if e.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Deadline)
		defer cancel()
	}

	e.result = e.scan(ctx)
}

func (e *Engine) scan(ctx context.Context) *domain.ScanResult {
	e.logger.WithField("dry_run", e.opts.Neutralizer.DryRun).Info("Starting runtime scan")

	locator, err := art.NewLocator(e.space, e.opts.Anchors, e.opts.Locator, e.logger)
	if err != nil {
		return e.fail(err)
	}
	located, err := locator.Locate(ctx)
	if err != nil {
		return e.fail(err)
	}
	e.details.Located = located

	// 框架识别只读取内存，和分类共享同一份区间列表
	detector := fingerprint.NewDetector(e.space, e.opts.Fingerprint, e.logger)
	fp := detector.Detect(ctx, located.Regions, located.Trampolines)
	e.details.Fingerprint = fp

	rules := e.opts.Rules
	if len(rules.FrameworkPatterns) == 0 {
		rules.FrameworkPatterns = detector.ModulePatterns()
	}
	if len(rules.RuntimeModules) == 0 {
		rules.RuntimeModules = e.opts.Locator.RuntimeModules
	}
	modules := classifier.BuildModuleMap(located.Regions, rules)
	classified := classifier.New(rules, e.logger).Classify(located.Methods, located.Callbacks, modules, located.Arch)
	e.details.Classification = classified

	nopts := e.opts.Neutralizer
	if nopts.HookStub == 0 {
		nopts.HookStub = e.opts.Anchors.HookStub
	}
	outcome := neutralizer.New(e.space, nopts, e.logger).Run(ctx, located, classified.Methods, classified.Callbacks)
	e.details.Neutralization = outcome

	for _, m := range outcome.Methods {
		e.observer.ObserveEntry(EntryMethod, m.Tag)
	}
	for _, cb := range outcome.Callbacks {
		e.observer.ObserveEntry(EntryCallback, cb.Tag)
	}
	for _, br := range outcome.Bridges {
		tag := domain.TagHookedTarget
		if br.Disabled {
			tag = domain.TagNeutralized
		}
		e.observer.ObserveEntry(EntryBridge, tag)
	}

	result := aggregate.Aggregate(aggregate.Input{
		Methods:          outcome.Methods,
		Callbacks:        outcome.Callbacks,
		SelfProtected:    outcome.SelfProtected,
		FrameworkName:    fp.Name,
		Layout:           located.Layout.Name,
		RuntimeTextPages: outcome.TextPages,
		Bridges:          len(outcome.Bridges),
		Trampolines:      located.Trampolines,
	})

	e.logger.WithFields(logrus.Fields{
		"flags":     result.Flags,
		"unhooked":  len(result.UnhookedMethods),
		"restored":  len(result.RestoredMethods),
		"cleared":   len(result.ClearedCallbacks),
		"framework": result.FrameworkName,
		"layout":    result.Layout,
	}).Info("Runtime scan completed")

	return result
}

// fail 定位失败时吸收错误，返回空结果
func (e *Engine) fail(err error) *domain.ScanResult {
	e.details.Err = err
	e.logger.WithError(err).Warn("Runtime metadata not located, returning empty result")
	return domain.EmptyResult(e.defaultName())
}
