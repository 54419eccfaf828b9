package domain

import "errors"

var (
	// ErrLayoutNotSupported 运行时内部布局不在支持列表中，或找不到所需结构
	ErrLayoutNotSupported = errors.New("runtime layout not supported")
	// ErrNotFound 定位阶段找不到某个结构
	ErrNotFound = errors.New("not found")
	// ErrEntryUnresolvable 单个条目无法解析
	ErrEntryUnresolvable = errors.New("entry unresolvable")
	// ErrWriteRejected 写入失败或校验不一致
	ErrWriteRejected = errors.New("write rejected")
	// ErrAlreadyCompleted 重复触发扫描
	ErrAlreadyCompleted = errors.New("scan already completed")
)
