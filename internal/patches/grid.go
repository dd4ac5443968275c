package patches

import (
	"math"
	"sort"

	"github.com/paulmach/orb"

	"osmose-patches/internal/geo"
)

// 文档注释：按目标面积对超大簇做网格细分
// 背景：簇面积超过 target*tolerance 时，在其包围盒上覆盖均匀网格，格边长 sqrt(target) km，按簇质心纬度换算为经纬度；每个非空格输出为一个子簇。
// 约束：面积为 0 的簇（重合或共线）无法被网格有效切分，原样返回；
// 格内点分布极不均匀时子格仍可能超限，此时以格自身质心纬度、减半边长再切一次，深度达到 maxDepth 后即使超限也接受，保证终止。
func Partition(pts []orb.Point, c PointCluster, targetAreaKm2, tolerance float64, maxDepth int) []PointCluster {
	return partition(pts, c, targetAreaKm2, tolerance, maxDepth, 0)
}

func partition(pts []orb.Point, c PointCluster, target, tolerance float64, maxDepth, depth int) []PointCluster {
	mp := memberPoints(pts, c.Members)
	area := geo.ApproxAreaKm2(mp)
	if area == 0 || area <= target*tolerance || depth >= maxDepth {
		return []PointCluster{c}
	}
	cells := gridSplit(pts, c, mp, math.Sqrt(target)/float64(int(1)<<depth))
	var out []PointCluster
	for _, cell := range cells {
		out = append(out, partition(pts, cell, target, tolerance, maxDepth, depth+1)...)
	}
	return out
}

// gridSplit：以包围盒左下角为原点划分网格，按 (行, 列) 顺序输出非空格
// 约束：跨 180° 经线的簇先展开经度，包围盒与列号都在连续经度上计算
func gridSplit(pts []orb.Point, c PointCluster, mp []orb.Point, sideKm float64) []PointCluster {
	mp = geo.Unwrap(mp)
	b := geo.BoundingBox(mp)
	dLat, dLon := geo.DegreesPerKm(c.Centroid.Lat())
	cellLat := sideKm * dLat
	cellLon := sideKm * dLon
	cells := make(map[binKey][]int)
	for i, p := range mp {
		k := binKey{
			row: int(math.Floor((p.Lat() - b.Min.Lat()) / cellLat)),
			col: int(math.Floor((p.Lon() - b.Min.Lon()) / cellLon)),
		}
		cells[k] = append(cells[k], c.Members[i])
	}
	keys := make([]binKey, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].row != keys[j].row {
			return keys[i].row < keys[j].row
		}
		return keys[i].col < keys[j].col
	})
	out := make([]PointCluster, 0, len(keys))
	for _, k := range keys {
		members := cells[k]
		out = append(out, PointCluster{Members: members, Centroid: geo.Centroid(memberPoints(pts, members))})
	}
	return out
}
