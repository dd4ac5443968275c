package patches

import (
	"github.com/paulmach/orb"

	"osmose-patches/internal/geo"
	"osmose-patches/internal/logger"
)

// 文档注释：补丁生成主流程（聚类 → 网格细分 → 组装 → 去重分配）
// 背景：输入为存储返回的未分配错误点；输出新补丁（无 ID）与错误点到补丁的映射，由存储在单个事务内持久化。
// 约束：
// - 坐标缺失/非有限/越界的点过滤并计数，不视为失败；
// - 已分配点或重复 ID 出现在输入中属于异常，记录日志后跳过，绝不重新分配；
// - 成员数不足的簇/格整体放弃；放弃的点在本次运行内再走一轮，直到某一轮不再产出补丁，
//   剩余点保持未分配，且对剩余点再次运行不会产生新补丁；
// - 单线程纯计算，不做 I/O；相同输入与配置得到相同成员划分。
// 异常：仅在配置非法时返回错误；空输入返回空结果。
func Run(points []ErrorPoint, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	l := logger.L()
	var rep Report
	rep.Input = len(points)

	work := make([]ErrorPoint, 0, len(points))
	seen := make(map[string]struct{}, len(points))
	for _, p := range points {
		if p.ID == "" || !geo.Valid(p.Lat, p.Lon) {
			rep.SkippedInvalid++
			continue
		}
		if p.Assigned() {
			rep.SkippedAssigned++
			l.Warn("patch_input_already_assigned", "error_id", p.ID, "patch_id", p.PatchID)
			continue
		}
		if _, dup := seen[p.ID]; dup {
			rep.Duplicates++
			l.Warn("patch_input_duplicate_id", "error_id", p.ID)
			continue
		}
		seen[p.ID] = struct{}{}
		work = append(work, p)
	}
	if rep.SkippedInvalid > 0 {
		l.Warn("patch_input_invalid_skipped", "count", rep.SkippedInvalid)
	}

	var res Result
	claimed := make(map[string]struct{}, len(work))
	pending := work
	for len(pending) >= cfg.MinErrorsPerPatch {
		rep.Passes++
		if runPass(pending, cfg, &res, &rep, claimed) == 0 {
			break
		}
		next := pending[:0:0]
		for _, p := range pending {
			if _, ok := claimed[p.ID]; !ok {
				next = append(next, p)
			}
		}
		pending = next
	}

	rep.Patches = len(res.Patches)
	rep.Assigned = len(res.Assignments)
	rep.Deferred = len(work) - rep.Assigned
	res.Report = rep
	l.Info("patch_run_done",
		"input", rep.Input,
		"invalid", rep.SkippedInvalid,
		"already_assigned", rep.SkippedAssigned,
		"duplicates", rep.Duplicates,
		"passes", rep.Passes,
		"clusters", rep.Clusters,
		"cells", rep.Cells,
		"patches", rep.Patches,
		"assigned", rep.Assigned,
		"deferred", rep.Deferred,
	)
	return res, nil
}

// runPass：对一组待分配点执行一轮聚类/细分/组装，返回本轮新增补丁数
func runPass(eps []ErrorPoint, cfg Config, res *Result, rep *Report, claimed map[string]struct{}) int {
	pts := make([]orb.Point, len(eps))
	for i, p := range eps {
		pts[i] = p.Point()
	}
	produced := 0
	clusters := Cluster(pts, cfg.ClusterDistanceKm)
	rep.Clusters += len(clusters)
	for _, c := range clusters {
		if len(c.Members) < cfg.MinErrorsPerPatch {
			rep.Cells++
			continue
		}
		cells := Partition(pts, c, cfg.TargetAreaKm2, cfg.AreaTolerance, cfg.MaxGridDepth)
		rep.Cells += len(cells)
		for _, cell := range cells {
			cell = unclaimed(eps, cell, claimed)
			patch, ok := Assemble(eps, cell, cfg)
			if !ok {
				continue
			}
			idx := len(res.Patches)
			res.Patches = append(res.Patches, patch)
			for _, m := range cell.Members {
				claimed[eps[m].ID] = struct{}{}
				res.Assignments = append(res.Assignments, Assignment{ErrorID: eps[m].ID, PatchIndex: idx})
			}
			produced++
		}
	}
	return produced
}

// unclaimed：去掉本次运行中已被其他补丁占用的成员
func unclaimed(eps []ErrorPoint, c PointCluster, claimed map[string]struct{}) PointCluster {
	kept := c.Members[:0:0]
	for _, m := range c.Members {
		if _, ok := claimed[eps[m].ID]; ok {
			logger.L().Warn("patch_member_already_claimed", "error_id", eps[m].ID)
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == len(c.Members) {
		return c
	}
	return PointCluster{Members: kept, Centroid: c.Centroid}
}
