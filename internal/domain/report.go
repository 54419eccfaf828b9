package domain

import (
	"encoding/json"
	"time"
)

// ScanReport 扫描报告归档表
type ScanReport struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Source    string    `gorm:"type:varchar(512);index:idx_source" json:"source"` // pid:1234 或快照路径
	CreatedAt time.Time `gorm:"index:idx_created_at" json:"created_at"`

	Flags         int32  `json:"flags"`
	FrameworkName string `gorm:"type:varchar(255)" json:"framework_name"`
	Layout        string `gorm:"type:varchar(32)" json:"layout"`
	TextPages     int    `json:"runtime_text_pages"`

	// JSON 编码的列表
	UnhookedMethodsJSON  string `gorm:"type:text" json:"-"`
	ClearedCallbacksJSON string `gorm:"type:text" json:"-"`
	RestoredMethodsJSON  string `gorm:"type:text" json:"-"`
	StatsJSON            string `gorm:"type:text" json:"-"`

	Result *ScanResult `gorm:"-" json:"result,omitempty"`
}

// TableName 指定表名
func (ScanReport) TableName() string {
	return "scan_reports"
}

// NewScanReport 从扫描结果构建报告
func NewScanReport(id, source string, result *ScanResult) *ScanReport {
	report := &ScanReport{
		ID:            id,
		Source:        source,
		CreatedAt:     time.Now(),
		Flags:         result.Flags,
		FrameworkName: result.FrameworkName,
		Layout:        result.Layout,
		TextPages:     result.RuntimeTextPages,
		Result:        result.Clone(),
	}
	report.UnhookedMethodsJSON = mustJSON(result.UnhookedMethods)
	report.ClearedCallbacksJSON = mustJSON(result.ClearedCallbacks)
	report.RestoredMethodsJSON = mustJSON(result.RestoredMethods)
	report.StatsJSON = mustJSON(result.Stats)
	return report
}

// Decode 从 JSON 列还原 Result
func (r *ScanReport) Decode() error {
	result := EmptyResult(r.FrameworkName)
	result.Flags = r.Flags
	result.Layout = r.Layout
	result.RuntimeTextPages = r.TextPages
	for _, field := range []struct {
		raw string
		dst any
	}{
		{r.UnhookedMethodsJSON, &result.UnhookedMethods},
		{r.ClearedCallbacksJSON, &result.ClearedCallbacks},
		{r.RestoredMethodsJSON, &result.RestoredMethods},
		{r.StatsJSON, &result.Stats},
	} {
		if field.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(field.raw), field.dst); err != nil {
			return err
		}
	}
	r.Result = result
	return nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
