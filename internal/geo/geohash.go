package geo

import (
	geohash "github.com/TomiHiltunen/geohash-golang"
	"github.com/paulmach/orb"
)

// 文档注释：geohash 编码（base32）
// 背景：补丁 metadata 记录质心 geohash，便于按区域前缀检索与人工定位；精度 6 约 1.2km。

// Geohash：返回 p 的 geohash，precision<=0 时按 6 处理
func Geohash(p orb.Point, precision int) string {
	if precision <= 0 {
		precision = 6
	}
	return geohash.EncodeWithPrecision(p.Lat(), p.Lon(), precision)
}
