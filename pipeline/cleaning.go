package pipeline

import (
	"fmt"
	"math"
	"sync"
	"time"

	"fittrack/ml"

	"go.uber.org/zap"
)

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(*ml.Record) (*ml.Record, error)
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // low, medium, high
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Row       int       `json:"row"`
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	rules      []CleaningRule
	issues     []QualityIssue
	issuesLock sync.RWMutex

	stats     CleaningStats
	statsLock sync.RWMutex

	logger *zap.Logger
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// NewDataCleaner 创建数据清洗器
func NewDataCleaner(logger *zap.Logger) *DataCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaner := &DataCleaner{
		rules:  make([]CleaningRule, 0),
		issues: make([]QualityIssue, 0),
		stats: CleaningStats{
			Issues: make(map[string]int64),
		},
		logger: logger,
	}

	// 添加默认规则
	cleaner.AddRule(NewFiniteValueRule())
	cleaner.AddRule(NewNonNegativeRule())
	cleaner.AddRule(NewHeartRateBandRule())

	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
	dc.logger.Debug("added cleaning rule", zap.String("rule", rule.Name()))
}

// Clean 清洗数据
func (dc *DataCleaner) Clean(records []ml.Record) ([]ml.Record, []QualityIssue) {
	cleaned := make([]ml.Record, 0, len(records))
	var issues []QualityIssue

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	for i := range records {
		dc.stats.TotalProcessed++

		record := &records[i]
		var recordIssues []QualityIssue

		// 应用所有规则
		for _, rule := range dc.rules {
			out, err := rule.Apply(record)
			if err != nil {
				recordIssues = append(recordIssues, QualityIssue{
					Type:      rule.Name(),
					Severity:  "high",
					Message:   err.Error(),
					Timestamp: time.Now(),
					Row:       i,
				})
				dc.stats.Issues[rule.Name()]++
				continue
			}
			if out != nil {
				record = out
			}
		}

		if len(recordIssues) > 0 {
			dc.stats.Rejected++
			issues = append(issues, recordIssues...)
			dc.issuesLock.Lock()
			dc.issues = append(dc.issues, recordIssues...)
			dc.issuesLock.Unlock()
			continue
		}
		dc.stats.Passed++
		cleaned = append(cleaned, *record)
	}

	dc.stats.LastClean = time.Now()
	return cleaned, issues
}

// CleanDataset 清洗参考数据集，返回新的数据集
func (dc *DataCleaner) CleanDataset(ds *ml.Dataset) *ml.Dataset {
	if ds == nil {
		return ml.EmptyDataset()
	}
	records, issues := dc.Clean(ds.Records)
	if len(issues) > 0 {
		dc.logger.Warn("dropped reference rows",
			zap.Int("rows", ds.Len()-len(records)),
			zap.Int("issues", len(issues)),
		)
	}
	return &ml.Dataset{Columns: ml.CanonicalColumns(), Records: records}
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// GetIssues 获取问题列表
func (dc *DataCleaner) GetIssues(limit int) []QualityIssue {
	dc.issuesLock.RLock()
	defer dc.issuesLock.RUnlock()

	if limit <= 0 || limit > len(dc.issues) {
		limit = len(dc.issues)
	}

	issues := make([]QualityIssue, limit)
	copy(issues, dc.issues[len(dc.issues)-limit:])
	return issues
}

// ClearIssues 清空问题列表
func (dc *DataCleaner) ClearIssues() {
	dc.issuesLock.Lock()
	defer dc.issuesLock.Unlock()

	dc.issues = make([]QualityIssue, 0)
}

// ============ 清洗规则实现 ============

// FiniteValueRule 拒绝 NaN / Inf
type FiniteValueRule struct{}

func NewFiniteValueRule() *FiniteValueRule {
	return &FiniteValueRule{}
}

func (r *FiniteValueRule) Name() string {
	return "finite_value"
}

func (r *FiniteValueRule) Apply(record *ml.Record) (*ml.Record, error) {
	values := map[string]float64{
		ml.ColDistance:  record.Distance,
		ml.ColHeartRate: record.HeartRate,
		ml.ColCalories:  record.Calories,
	}
	for name, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s is not finite", name)
		}
	}
	return record, nil
}

// NonNegativeRule 计数类字段不能为负
type NonNegativeRule struct{}

func NewNonNegativeRule() *NonNegativeRule {
	return &NonNegativeRule{}
}

func (r *NonNegativeRule) Name() string {
	return "non_negative"
}

func (r *NonNegativeRule) Apply(record *ml.Record) (*ml.Record, error) {
	switch {
	case record.Steps < 0:
		return nil, fmt.Errorf("steps %d is negative", record.Steps)
	case record.Distance < 0:
		return nil, fmt.Errorf("distance %.2f is negative", record.Distance)
	case record.ActiveMinutes < 0:
		return nil, fmt.Errorf("active minutes %d is negative", record.ActiveMinutes)
	case record.Calories < 0:
		return nil, fmt.Errorf("calories %.2f is negative", record.Calories)
	}
	return record, nil
}

// HeartRateBandRule 心率生理范围验证规则
type HeartRateBandRule struct {
	Min float64
	Max float64
}

func NewHeartRateBandRule() *HeartRateBandRule {
	return &HeartRateBandRule{
		Min: 20,
		Max: 250,
	}
}

func (r *HeartRateBandRule) Name() string {
	return "heart_rate_band"
}

func (r *HeartRateBandRule) Apply(record *ml.Record) (*ml.Record, error) {
	if record.HeartRate < r.Min || record.HeartRate > r.Max {
		return nil, fmt.Errorf("heart rate %.1f out of range [%.0f, %.0f]", record.HeartRate, r.Min, r.Max)
	}
	return record, nil
}
