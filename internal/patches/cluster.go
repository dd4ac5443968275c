package patches

import (
	"math"

	"github.com/paulmach/orb"

	"osmose-patches/internal/geo"
)

// 文档注释：连通性聚类（邻近图的连通分量）
// 背景：簇数量事先未知，任意两点距离 <= maxDistanceKm 即连边，链式可达的点归为同一簇；不同于 k-means，结果与遍历顺序无关。
// 约束：先按经纬度网格分桶，仅比较本行与上下两行中经差可达的桶内点，避免 O(n²) 全量比较；桶尺寸保证阈值内的点对必然落在相邻桶。
// 返回：成员保持输入顺序；簇按首个成员的输入位置排序。
func Cluster(pts []orb.Point, maxDistanceKm float64) []PointCluster {
	if len(pts) == 0 {
		return nil
	}
	uf := newUnionFind(len(pts))
	if maxDistanceKm > 0 {
		g := newBinGrid(pts, maxDistanceKm)
		for i, p := range pts {
			for _, nk := range g.neighbors(p) {
				for _, j := range g.bins[nk] {
					if j <= i {
						continue
					}
					if geo.Distance(p, pts[j]) <= maxDistanceKm {
						uf.union(i, j)
					}
				}
			}
		}
	}
	order := make(map[int]int)
	var out []PointCluster
	for i := range pts {
		r := uf.find(i)
		ci, ok := order[r]
		if !ok {
			ci = len(out)
			order[r] = ci
			out = append(out, PointCluster{})
		}
		out[ci].Members = append(out[ci].Members, i)
	}
	for i := range out {
		out[i].Centroid = geo.Centroid(memberPoints(pts, out[i].Members))
	}
	return out
}

func memberPoints(pts []orb.Point, members []int) []orb.Point {
	out := make([]orb.Point, len(members))
	for i, m := range members {
		out[i] = pts[m]
	}
	return out
}

type binKey struct{ row, col int }

// binGrid：纬向步长取 d/R（弧度）；每一行按自身附近纬度单独划分经向列，列数取整使列宽均匀以支持跨 180° 经线环绕
type binGrid struct {
	d       float64
	latStep float64
	rows    map[int]binRow
	bins    map[binKey][]int
}

// binRow：一行的列划分；reach 为阈值内点对允许的最大经差（度），<0 表示不限
type binRow struct {
	cols  int
	step  float64
	reach float64
}

func newBinGrid(pts []orb.Point, d float64) *binGrid {
	g := &binGrid{
		d:       d,
		latStep: d / geo.EarthRadiusKm * 180 / math.Pi,
		rows:    make(map[int]binRow),
		bins:    make(map[binKey][]int),
	}
	for i, p := range pts {
		k := g.key(p)
		g.bins[k] = append(g.bins[k], i)
	}
	return g
}

func (g *binGrid) rowOf(lat float64) int {
	return int(math.Floor((lat + 90) / g.latStep))
}

// row：经差上界按 r-1..r+1 三行中离赤道最远的纬度由 Haversine 下界推得，覆盖本行点与相邻行点之间的所有点对；
// 极区一行退化为单列，不影响其他纬度的行
func (g *binGrid) row(r int) binRow {
	if br, ok := g.rows[r]; ok {
		return br
	}
	lo := float64(r-1)*g.latStep - 90
	hi := float64(r+2)*g.latStep - 90
	maxAbsLat := math.Min(math.Max(math.Abs(lo), math.Abs(hi)), 90)
	br := binRow{cols: 1, step: 360, reach: -1}
	c := math.Cos(maxAbsLat * math.Pi / 180)
	if s := math.Sin(g.d/(2*geo.EarthRadiusKm)) / c; c > 0 && s < 1 {
		reach := 2 * math.Asin(s) * 180 / math.Pi
		if cols := int(math.Floor(360 / reach)); cols > 1 {
			br = binRow{cols: cols, step: 360 / float64(cols), reach: reach}
		}
	}
	g.rows[r] = br
	return br
}

func (g *binGrid) key(p orb.Point) binKey {
	r := g.rowOf(p.Lat())
	br := g.row(r)
	return binKey{row: r, col: int(math.Floor((p.Lon()+180)/br.step)) % br.cols}
}

// neighbors：p 所在行及上下两行中，经度落在 [lon-reach, lon+reach] 内的列（按列数环绕）
func (g *binGrid) neighbors(p orb.Point) []binKey {
	r := g.rowOf(p.Lat())
	reach := g.row(r).reach
	out := make([]binKey, 0, 9)
	for nr := r - 1; nr <= r+1; nr++ {
		br := g.row(nr)
		lo := int(math.Floor((p.Lon() - reach + 180) / br.step))
		hi := int(math.Floor((p.Lon() + reach + 180) / br.step))
		if reach < 0 || hi-lo+1 >= br.cols {
			for c := 0; c < br.cols; c++ {
				out = append(out, binKey{row: nr, col: c})
			}
			continue
		}
		for c := lo; c <= hi; c++ {
			out = append(out, binKey{row: nr, col: (c%br.cols + br.cols) % br.cols})
		}
	}
	return out
}

// unionFind：根节点固定为集合内最小下标，保证结果可复现
type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
