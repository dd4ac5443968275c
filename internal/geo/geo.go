// 包 geo：补丁生成所需的几何计算（球面距离、局部投影面积、包围盒、凸包）
// 约束：坐标一律为 WGS84 经纬度，orb.Point 为 [lon, lat] 顺序；不做坐标系转换，仅采用球面近似
package geo

import (
	"math"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

const (
	// EarthRadiusKm 球面近似使用的地球平均半径
	EarthRadiusKm = 6371.0
	// KmPerDegree 每度纬度对应的千米数（赤道经度同值）
	KmPerDegree = 111.32

	// 高纬度处 cos(lat) 的下限，避免经度换算系数趋于无穷
	minCosLat = 0.01
	// 面积判零阈值（km²），吸收浮点误差
	areaEpsilon = 1e-9
)

// Distance：两点间的大圆距离（千米）
// 约束：orb 以赤道半径计算，这里按比例换算到平均半径 EarthRadiusKm
func Distance(a, b orb.Point) float64 {
	return orbgeo.DistanceHaversine(a, b) / orb.EarthRadius * EarthRadiusKm
}

// Haversine：按经纬度参数计算球面距离（千米）
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return Distance(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
}

// DegreesPerKm：给定纬度处 1 千米对应的纬度/经度度数
// 背景：网格尺寸按各簇质心纬度单独换算，高纬度处经度方向的度数随 cos(lat) 放大
func DegreesPerKm(lat float64) (dLat, dLon float64) {
	c := math.Cos(lat * math.Pi / 180)
	if c < minCosLat {
		c = minCosLat
	}
	return 1 / KmPerDegree, 1 / (KmPerDegree * c)
}

// BoundingBox：点集的经纬度包围盒；空集返回零值
func BoundingBox(pts []orb.Point) orb.Bound {
	if len(pts) == 0 {
		return orb.Bound{}
	}
	return orb.MultiPoint(pts).Bound()
}

// Centroid：点集的算术平均中心（小范围内足够近似）
// 约束：跨 180° 经线的点集先展开经度再求平均，结果经度归一到 [-180, 180]
func Centroid(pts []orb.Point) orb.Point {
	if len(pts) == 0 {
		return orb.Point{}
	}
	c := mean(Unwrap(pts))
	return orb.Point{WrapLon(c[0]), c[1]}
}

func mean(pts []orb.Point) orb.Point {
	var sx, sy float64
	for _, p := range pts {
		sx += p[0]
		sy += p[1]
	}
	n := float64(len(pts))
	return orb.Point{sx / n, sy / n}
}

// Unwrap：经度跨度超过 180° 时把负经度加 360，使跨 180° 经线的点集经度连续；否则原样返回
// 约束：展开后的经度可能大于 180；对已连续的点集幂等
func Unwrap(pts []orb.Point) []orb.Point {
	if len(pts) == 0 {
		return pts
	}
	minLon, maxLon := pts[0].Lon(), pts[0].Lon()
	for _, p := range pts[1:] {
		minLon = math.Min(minLon, p.Lon())
		maxLon = math.Max(maxLon, p.Lon())
	}
	if maxLon-minLon <= 180 {
		return pts
	}
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		if p[0] < 0 {
			p[0] += 360
		}
		out[i] = p
	}
	return out
}

// WrapLon：把展开后的经度归一到 [-180, 180]
func WrapLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

// DistinctCount：去重后的坐标数量
func DistinctCount(pts []orb.Point) int {
	seen := make(map[orb.Point]struct{}, len(pts))
	for _, p := range pts {
		seen[p] = struct{}{}
	}
	return len(seen)
}

// ConvexHull：点集凸包，返回闭合环（首尾相同）
// 约束：少于 3 个不同点、共线或凸包覆盖半球以上时返回 nil，由调用方按退化处理；
// 跨 180° 经线时环的经度按 Unwrap 展开，保持连续
func ConvexHull(pts []orb.Point) orb.Ring {
	if DistinctCount(pts) < 3 {
		return nil
	}
	q := s2.NewConvexHullQuery()
	for _, p := range pts {
		q.AddPoint(s2.PointFromLatLng(s2.LatLngFromDegrees(p.Lat(), p.Lon())))
	}
	loop := q.ConvexHull()
	if loop.IsEmpty() || loop.IsFull() {
		return nil
	}
	vs := loop.Vertices()
	if len(vs) < 3 {
		return nil
	}
	ring := make(orb.Ring, 0, len(vs)+1)
	for _, v := range vs {
		ll := s2.LatLngFromPoint(v)
		ring = append(ring, orb.Point{ll.Lng.Degrees(), ll.Lat.Degrees()})
	}
	ring = append(ring, ring[0])
	return orb.Ring(Unwrap(ring))
}

// ApproxAreaKm2：点集凸包在局部等距圆柱投影下的面积（km²）
// 约束：投影中心为点集质心；0/1 个点、全部重合或共线时返回 0
func ApproxAreaKm2(pts []orb.Point) float64 {
	ring := ConvexHull(pts)
	if ring == nil {
		return 0
	}
	return RingAreaKm2(ring)
}

// RingAreaKm2：闭合环在以其质心为中心的局部投影下的面积（km²）
func RingAreaKm2(ring orb.Ring) float64 {
	if len(ring) < 4 {
		return 0
	}
	u := orb.Ring(Unwrap(ring))
	a := math.Abs(planar.Area(project(u, mean(u[:len(u)-1]))))
	if a < areaEpsilon {
		return 0
	}
	return a
}

// PerimeterKm：闭合环周长（km），同样使用局部投影
func PerimeterKm(ring orb.Ring) float64 {
	if len(ring) < 2 {
		return 0
	}
	u := orb.Ring(Unwrap(ring))
	return planar.Length(project(u, mean(u)))
}

// project：以 origin 为中心把经纬度换算为千米平面坐标；ring 与 origin 须在同一展开经度下
func project(ring orb.Ring, origin orb.Point) orb.Ring {
	kx := KmPerDegree * math.Cos(origin.Lat()*math.Pi/180)
	out := make(orb.Ring, len(ring))
	for i, p := range ring {
		out[i] = orb.Point{(p.Lon() - origin.Lon()) * kx, (p.Lat() - origin.Lat()) * KmPerDegree}
	}
	return out
}

// PadKm：按千米外扩包围盒，用于退化点集的展示几何
// 约束：先把包围盒平移到 0° 经线附近再外扩，展开后经度超过 180 的包围盒不会被截断
func PadKm(b orb.Bound, km float64) orb.Bound {
	shift := b.Center().Lon()
	b.Min[0] -= shift
	b.Max[0] -= shift
	b = orbgeo.BoundPad(b, km*1000)
	b.Min[0] += shift
	b.Max[0] += shift
	return b
}

// Valid：经纬度是否有限且在合法范围内
func Valid(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
