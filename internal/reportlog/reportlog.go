// Package reportlog 以 JSONL 文件归档扫描报告，每行一个报告
package reportlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/apk-analysis/artguard/internal/domain"
)

// maxLine 单个报告的最大长度
const maxLine = 16 << 20

// Writer 追加写入报告
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewWriter 打开归档文件，不存在时创建
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{file: file, writer: bufio.NewWriterSize(file, 64*1024)}, nil
}

// Create 写入一个报告并刷新缓冲，可作为 worker.ReportStore 使用
func (w *Writer) Create(ctx context.Context, report *domain.ScanReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report %s: %w", report.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	return w.writer.Flush()
}

// Close 关闭写入器
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Reader 顺序读取报告
type Reader struct {
	file    *os.File
	scanner *bufio.Scanner
	lineNum int
}

// NewReader 打开归档文件
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1<<20), maxLine)
	return &Reader{file: file, scanner: scanner}, nil
}

// Next 读取下一个报告，结束时返回 io.EOF，空行被跳过
func (r *Reader) Next() (*domain.ScanReport, error) {
	for r.scanner.Scan() {
		r.lineNum++
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var report domain.ScanReport
		if err := json.Unmarshal(line, &report); err != nil {
			return nil, fmt.Errorf("line %d: %w", r.lineNum, err)
		}
		return restore(&report), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// LineNumber 当前行号
func (r *Reader) LineNumber() int {
	return r.lineNum
}

// Close 关闭读取器
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadFile 依次回调文件中的每个报告
func ReadFile(path string, fn func(report *domain.ScanReport) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		report, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(report); err != nil {
			return err
		}
	}
}

// restore 根据 Result 重建数据库列
func restore(report *domain.ScanReport) *domain.ScanReport {
	if report.Result == nil {
		report.Result = domain.EmptyResult(report.FrameworkName)
		report.Result.Flags = report.Flags
		report.Result.Layout = report.Layout
		report.Result.RuntimeTextPages = report.TextPages
	}
	rebuilt := domain.NewScanReport(report.ID, report.Source, report.Result)
	rebuilt.CreatedAt = report.CreatedAt
	return rebuilt
}
