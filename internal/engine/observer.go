package engine

import (
	"time"

	"github.com/apk-analysis/artguard/internal/domain"
)

// 条目类型
const (
	EntryMethod   = "method"
	EntryCallback = "callback"
	EntryBridge   = "bridge"
)

// Observer 接收扫描事件，用于指标统计
type Observer interface {
	ObserveEntry(kind string, tag domain.Tag)
	ObserveScan(result *domain.ScanResult, elapsed time.Duration, err error)
}

// NopObserver 不做任何事
type NopObserver struct{}

func (NopObserver) ObserveEntry(string, domain.Tag) {}

func (NopObserver) ObserveScan(*domain.ScanResult, time.Duration, error) {}
