package patches

import (
	"math"
	"sort"

	"github.com/paulmach/orb"

	"osmose-patches/internal/geo"
)

// 文档注释：把最终分组组装为补丁记录
// 背景：计算几何（凸包；退化点集用外扩包围盒）、面积、周长、难度与优先级；成员 ID 排序后输出，便于存储生成稳定 ID。
// 约束：成员数不足 MinErrorsPerPatch 返回 false，对应点保持未分配，留待后续运行。
func Assemble(eps []ErrorPoint, c PointCluster, cfg Config) (Patch, bool) {
	if len(c.Members) < cfg.MinErrorsPerPatch {
		return Patch{}, false
	}
	mp := make([]orb.Point, len(c.Members))
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		mp[i] = eps[m].Point()
		ids[i] = eps[m].ID
	}
	sort.Strings(ids)

	// 跨 180° 经线时几何与包围盒使用展开后的连续经度，质心归一到 [-180, 180]
	bound := geo.BoundingBox(geo.Unwrap(mp))
	area := 0.0
	var poly orb.Polygon
	if ring := geo.ConvexHull(mp); ring != nil {
		area = geo.RingAreaKm2(ring)
		poly = orb.Polygon{ring}
	}
	if area == 0 {
		// 重合或共线：面积记为 0，展示几何取外扩包围盒
		poly = geo.PadKm(bound, cfg.PadKm).ToPolygon()
	}

	return Patch{
		Geometry:    poly,
		Bound:       bound,
		AreaKm2:     round3(area),
		PerimeterKm: round3(geo.PerimeterKm(poly[0])),
		Centroid:    geo.Centroid(mp),
		Members:     ids,
		ErrorCount:  len(ids),
		Difficulty:  DifficultyFor(len(ids), area, cfg),
		Priority:    PriorityFor(len(ids), area),
		CountryCode: cfg.CountryCode,
		CountryName: cfg.CountryName,
		BatchID:     cfg.BatchID,
		CreatedAt:   cfg.now().UTC(),
	}, true
}

// density：每平方千米错误数；面积按至少 1 km² 计，避免小面积补丁密度失真
func density(count int, areaKm2 float64) float64 {
	return float64(count) / math.Max(areaKm2, 1)
}

// DifficultyFor：按数量与密度两组阈值给出难度，任一维度达到即升级
func DifficultyFor(count int, areaKm2 float64, cfg Config) Difficulty {
	d := density(count, areaKm2)
	switch {
	case count >= cfg.HardMinErrors || d >= cfg.HardMinDensity:
		return Hard
	case count >= cfg.MediumMinErrors || d >= cfg.MediumMinDensity:
		return Medium
	default:
		return Easy
	}
}

// PriorityFor：按密度给出 3/5/7/9 四档优先级，密度越高越优先
func PriorityFor(count int, areaKm2 float64) int {
	d := density(count, areaKm2)
	switch {
	case d > 5:
		return 9
	case d > 3:
		return 7
	case d > 1:
		return 5
	default:
		return 3
	}
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
