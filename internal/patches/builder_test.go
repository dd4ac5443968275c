package patches

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioConfig() Config {
	cfg := testConfig()
	cfg.ClusterDistanceKm = 3
	cfg.MinErrorsPerPatch = 3
	cfg.TargetAreaKm2 = 15
	return cfg
}

// membershipSets：补丁成员集合的规范化表示，便于比较两次运行
func membershipSets(ps []Patch) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = strings.Join(p.Members, ",")
	}
	sort.Strings(out)
	return out
}

func checkInvariants(t *testing.T, res Result, cfg Config) {
	t.Helper()
	total := 0
	for _, p := range res.Patches {
		total += len(p.Members)
		assert.GreaterOrEqual(t, p.ErrorCount, cfg.MinErrorsPerPatch)
		if p.AreaKm2 > 0 {
			assert.LessOrEqual(t, p.AreaKm2, cfg.MaxAreaKm2())
		}
	}
	assert.Len(t, res.Assignments, total)

	seen := map[string]bool{}
	for _, a := range res.Assignments {
		assert.False(t, seen[a.ErrorID], "error %s assigned twice", a.ErrorID)
		seen[a.ErrorID] = true
		require.Less(t, a.PatchIndex, len(res.Patches))
		assert.Contains(t, res.Patches[a.PatchIndex].Members, a.ErrorID)
	}
}

func TestRun_ScenarioA_OneTightGroup(t *testing.T) {
	eps := []ErrorPoint{
		errorAt("1", almaty, 0, 0),
		errorAt("2", almaty, 0.3, 0.1),
		errorAt("3", almaty, 0.5, 0.4),
		errorAt("4", almaty, 0.2, 0.6),
		errorAt("5", almaty, 0.7, 0.2),
	}
	res, err := Run(eps, scenarioConfig())
	require.NoError(t, err)
	require.Len(t, res.Patches, 1)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, res.Patches[0].Members)
	assert.Equal(t, 0, res.Report.Deferred)
	checkInvariants(t, res, scenarioConfig())
}

func TestRun_ScenarioB_TwoDistantGroups(t *testing.T) {
	var eps []ErrorPoint
	for i, off := range [][2]float64{{0, 0}, {0.5, 0}, {0, 0.5}, {0.5, 0.5}} {
		eps = append(eps, errorAt(fmt.Sprintf("w%d", i), almaty, off[0], off[1]))
		eps = append(eps, errorAt(fmt.Sprintf("e%d", i), almaty, 50+off[0], off[1]))
	}
	res, err := Run(eps, scenarioConfig())
	require.NoError(t, err)
	require.Len(t, res.Patches, 2)
	for _, p := range res.Patches {
		assert.Len(t, p.Members, 4)
	}
	assert.Equal(t, []string{"e0,e1,e2,e3", "w0,w1,w2,w3"}, membershipSets(res.Patches))
	checkInvariants(t, res, scenarioConfig())
}

func TestRun_ScenarioC_TooFewPoints(t *testing.T) {
	eps := []ErrorPoint{errorAt("1", almaty, 0, 0), errorAt("2", almaty, 0.1, 0)}
	res, err := Run(eps, scenarioConfig())
	require.NoError(t, err)
	assert.Empty(t, res.Patches)
	assert.Empty(t, res.Assignments)
	assert.Equal(t, 2, res.Report.Deferred)
}

func TestRun_ScenarioD_UniformHundredSquareKm(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	eps := make([]ErrorPoint, 200)
	for i := range eps {
		eps[i] = errorAt(fmt.Sprintf("%03d", i), almaty, rnd.Float64()*10, rnd.Float64()*10)
	}
	cfg := scenarioConfig()
	res, err := Run(eps, cfg)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Report.Clusters)
	assert.GreaterOrEqual(t, len(res.Patches), 6)
	assert.LessOrEqual(t, len(res.Patches), 9)
	for _, p := range res.Patches {
		assert.LessOrEqual(t, p.AreaKm2, cfg.MaxAreaKm2())
	}
	assert.Equal(t, 200, res.Report.Assigned+res.Report.Deferred)
	checkInvariants(t, res, cfg)
}

func TestRun_EmptyInput(t *testing.T) {
	res, err := Run(nil, scenarioConfig())
	require.NoError(t, err)
	assert.Empty(t, res.Patches)
	assert.Equal(t, Report{}, res.Report)
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := scenarioConfig()
	cfg.TargetAreaKm2 = 0
	_, err := Run(nil, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRun_FiltersMalformedPoints(t *testing.T) {
	eps := []ErrorPoint{
		errorAt("1", almaty, 0, 0),
		errorAt("2", almaty, 0.2, 0),
		errorAt("3", almaty, 0, 0.2),
		{ID: "nan", Lat: math.NaN(), Lon: 76.9},
		{ID: "north", Lat: 95, Lon: 76.9},
		{ID: "", Lat: 43.25, Lon: 76.95},
	}
	res, err := Run(eps, scenarioConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Report.SkippedInvalid)
	require.Len(t, res.Patches, 1)
	assert.Equal(t, []string{"1", "2", "3"}, res.Patches[0].Members)
}

func TestRun_SkipsAssignedAndDuplicatePoints(t *testing.T) {
	eps := []ErrorPoint{
		errorAt("1", almaty, 0, 0),
		errorAt("2", almaty, 0.2, 0),
		errorAt("3", almaty, 0, 0.2),
		errorAt("2", almaty, 0.2, 0),
	}
	old := errorAt("4", almaty, 0.1, 0.1)
	old.PatchID = "KZ_old"
	eps = append(eps, old)

	res, err := Run(eps, scenarioConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Report.SkippedAssigned)
	assert.Equal(t, 1, res.Report.Duplicates)
	require.Len(t, res.Patches, 1)
	assert.Equal(t, []string{"1", "2", "3"}, res.Patches[0].Members)
	checkInvariants(t, res, scenarioConfig())
}

// memStore：按 PatchID 是否为空筛选未分配点，模拟存储的提交与查询
type memStore struct{ points []ErrorPoint }

func (m *memStore) unassigned() []ErrorPoint {
	var out []ErrorPoint
	for _, p := range m.points {
		if !p.Assigned() {
			out = append(out, p)
		}
	}
	return out
}

func (m *memStore) commit(run int, res Result) {
	byID := map[string]int{}
	for i, p := range m.points {
		byID[p.ID] = i
	}
	for _, a := range res.Assignments {
		m.points[byID[a.ErrorID]].PatchID = fmt.Sprintf("run%d_%d", run, a.PatchIndex)
	}
}

func TestRun_IdempotentAcrossRuns(t *testing.T) {
	rnd := rand.New(rand.NewSource(8))
	st := &memStore{}
	for i := 0; i < 150; i++ {
		st.points = append(st.points, errorAt(fmt.Sprintf("e%d", i), almaty, rnd.Float64()*30, rnd.Float64()*30))
	}
	cfg := scenarioConfig()

	first, err := Run(st.unassigned(), cfg)
	require.NoError(t, err)
	require.NotEmpty(t, first.Patches)
	st.commit(1, first)

	second, err := Run(st.unassigned(), cfg)
	require.NoError(t, err)
	assert.Empty(t, second.Patches)
	assert.Equal(t, first.Report.Deferred, second.Report.Input)

	// 即使存储误把已分配点返回，也不会再次分配
	third, err := Run(st.points, cfg)
	require.NoError(t, err)
	assert.Empty(t, third.Patches)
	assert.Equal(t, first.Report.Assigned, third.Report.SkippedAssigned)
}

func TestRun_Deterministic(t *testing.T) {
	rnd := rand.New(rand.NewSource(21))
	eps := make([]ErrorPoint, 400)
	for i := range eps {
		eps[i] = errorAt(fmt.Sprintf("e%d", i), almaty, rnd.Float64()*40, rnd.Float64()*25)
	}
	cfg := scenarioConfig()
	a, err := Run(eps, cfg)
	require.NoError(t, err)
	b, err := Run(eps, cfg)
	require.NoError(t, err)
	assert.Equal(t, a.Patches, b.Patches)

	shuffled := append([]ErrorPoint(nil), eps...)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	c, err := Run(shuffled, cfg)
	require.NoError(t, err)
	assert.Equal(t, membershipSets(a.Patches), membershipSets(c.Patches))
	checkInvariants(t, a, cfg)
}

func TestRun_PropertiesOverRandomInputs(t *testing.T) {
	cfg := scenarioConfig()
	for seed := int64(1); seed <= 5; seed++ {
		rnd := rand.New(rand.NewSource(seed))
		var eps []ErrorPoint
		// 若干密度不同的团块 + 稀疏噪声
		for g := 0; g < 6; g++ {
			cx, cy := rnd.Float64()*200, rnd.Float64()*200
			spread := 0.5 + rnd.Float64()*15
			for i := 0; i < 20+rnd.Intn(80); i++ {
				eps = append(eps, errorAt(fmt.Sprintf("s%d_g%d_%d", seed, g, i), almaty, cx+rnd.NormFloat64()*spread, cy+rnd.NormFloat64()*spread))
			}
		}
		for i := 0; i < 40; i++ {
			eps = append(eps, errorAt(fmt.Sprintf("s%d_n%d", seed, i), almaty, rnd.Float64()*200, rnd.Float64()*200))
		}
		res, err := Run(eps, cfg)
		require.NoError(t, err)
		checkInvariants(t, res, cfg)
		assert.Equal(t, len(eps), res.Report.Assigned+res.Report.Deferred)
	}
}

func TestRun_GroupAcrossAntimeridian(t *testing.T) {
	eps := []ErrorPoint{
		{ID: "1", Lat: 65.000, Lon: 179.995},
		{ID: "2", Lat: 65.002, Lon: 179.997},
		{ID: "3", Lat: 65.001, Lon: -179.996},
		{ID: "4", Lat: 64.999, Lon: -179.998},
	}
	cfg := scenarioConfig()
	res, err := Run(eps, cfg)
	require.NoError(t, err)
	require.Len(t, res.Patches, 1)
	assert.Equal(t, 0, res.Report.Deferred)
	assert.Equal(t, 1, res.Report.Cells)

	p := res.Patches[0]
	assert.Equal(t, []string{"1", "2", "3", "4"}, p.Members)
	assert.Less(t, p.AreaKm2, 1.0)
	assert.Less(t, p.Bound.Max.Lon()-p.Bound.Min.Lon(), 0.1)
	assert.InDelta(t, 180, math.Abs(p.Centroid.Lon()), 0.01)
	assert.LessOrEqual(t, math.Abs(p.Centroid.Lon()), 180.0)
	checkInvariants(t, res, cfg)
}

func TestUnclaimed_DropsMembersClaimedEarlier(t *testing.T) {
	eps := []ErrorPoint{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	cell := PointCluster{Members: []int{0, 1, 2, 3}}

	assert.Equal(t, cell, unclaimed(eps, cell, map[string]struct{}{}))

	got := unclaimed(eps, cell, map[string]struct{}{"b": {}, "d": {}})
	assert.Equal(t, []int{0, 2}, got.Members)
	assert.Equal(t, []int{0, 1, 2, 3}, cell.Members)

	cfg := scenarioConfig()
	_, ok := Assemble(eps, got, cfg)
	assert.False(t, ok)
}
