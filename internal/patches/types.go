// 包 patches：补丁生成引擎（聚类 → 网格细分 → 组装 → 幂等分配）
// 背景：把尚未分配的 QA 错误点划分为面积与数量受限、彼此成员不重叠的工作单元，供人工认领修复
// 约束：纯计算，无 I/O、无全局状态；配置以值传入；持久化与补丁 ID 由外部存储负责
package patches

import (
	"time"

	"github.com/paulmach/orb"
)

// ErrorPoint：一条带坐标的 QA 错误记录
// 约束：PatchID 非空即视为已分配，引擎不会再次分配
type ErrorPoint struct {
	ID       string
	Lat      float64
	Lon      float64
	Item     int
	Class    int
	Title    string
	Subtitle string
	BatchID  int64
	PatchID  string
}

func (e ErrorPoint) Assigned() bool { return e.PatchID != "" }

func (e ErrorPoint) Point() orb.Point { return orb.Point{e.Lon, e.Lat} }

// PointCluster：一次运行内的临时分组，Members 为输入切片下标（保持输入顺序）
type PointCluster struct {
	Members  []int
	Centroid orb.Point
}

// Difficulty：补丁难度等级，按 easy < medium < hard 排序
type Difficulty int

const (
	Easy Difficulty = iota
	Medium
	Hard
)

func (d Difficulty) String() string {
	switch d {
	case Medium:
		return "medium"
	case Hard:
		return "hard"
	default:
		return "easy"
	}
}

// Patch：引擎输出的工作单元，不含最终 ID（由存储在提交时生成）
type Patch struct {
	Geometry    orb.Polygon
	Bound       orb.Bound
	AreaKm2     float64
	PerimeterKm float64
	Centroid    orb.Point
	Members     []string
	ErrorCount  int
	Difficulty  Difficulty
	Priority    int
	CountryCode string
	CountryName string
	BatchID     int64
	CreatedAt   time.Time
}

// Assignment：错误点到本次输出补丁（下标）的映射
type Assignment struct {
	ErrorID    string
	PatchIndex int
}

// Report：一次运行的计数汇总，用于日志与指标
type Report struct {
	Input           int
	SkippedInvalid  int
	SkippedAssigned int
	Duplicates      int
	Passes          int
	Clusters        int
	Cells           int
	Patches         int
	Assigned        int
	Deferred        int
}

// Result：运行结果；Assignments 的数量恒等于全部补丁成员数之和
type Result struct {
	Patches     []Patch
	Assignments []Assignment
	Report      Report
}
