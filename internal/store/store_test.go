package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osmose-patches/internal/patches"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return AttachDB(db), mock
}

// polygonJSON：匹配 GeoJSON Polygon 文本参数
type polygonJSON struct{}

func (polygonJSON) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, `"type":"Polygon"`)
}

// metadataWith：匹配包含指定片段的 metadata JSON
type metadataWith string

func (m metadataWith) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	return ok && strings.Contains(string(b), string(m))
}

func samplePatch(members ...string) patches.Patch {
	ring := orb.Ring{{76.95, 43.25}, {76.97, 43.25}, {76.97, 43.27}, {76.95, 43.27}, {76.95, 43.25}}
	return patches.Patch{
		Geometry:    orb.Polygon{ring},
		Bound:       ring.Bound(),
		AreaKm2:     4.0,
		PerimeterKm: 8.0,
		Centroid:    orb.Point{76.96, 43.26},
		Members:     members,
		ErrorCount:  len(members),
		Difficulty:  patches.Easy,
		Priority:    3,
		CountryCode: "KZ",
		CountryName: "kazakhstan",
		BatchID:     7,
		CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func assignAll(ps []patches.Patch) []patches.Assignment {
	var as []patches.Assignment
	for i, p := range ps {
		for _, m := range p.Members {
			as = append(as, patches.Assignment{ErrorID: m, PatchIndex: i})
		}
	}
	return as
}

func TestMintPatchID(t *testing.T) {
	assert.Equal(t, "KZ_1_2_3", MintPatchID("KZ", []string{"3", "1", "2"}))
	assert.Equal(t, "KZ_0e4a1c2b_9f00aa11",
		MintPatchID("KZ", []string{"9f00aa11-2222-3333-4444-555555555555", "0e4a1c2b-aaaa-bbbb-cccc-dddddddddddd"}))
	assert.Equal(t, "KZ_MERGED_4_d7ac38d9c792", MintPatchID("KZ", []string{"4", "2", "3", "1"}))

	long := []string{strings.Repeat("x", 40), strings.Repeat("y", 40), strings.Repeat("z", 40)}
	id := MintPatchID("KZ", long)
	assert.True(t, strings.HasPrefix(id, "KZ_MERGED_3_"))
	assert.LessOrEqual(t, len(id), maxPatchIDLen)
}

func TestFetchUnassigned(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"error_id", "lat", "lon", "item", "class", "title", "subtitle", "batch_id"}).
		AddRow("1001", 43.25, 76.95, 7040, 2, "Forest without leaf_type", "", int64(3)).
		AddRow("1002", 43.26, 76.96, 7040, 2, "Forest without leaf_type", "", int64(3))
	mock.ExpectQuery(`SELECT error_id, ST_Y\(location\)`).WithArgs("KZ", 10).WillReturnRows(rows)

	pts, err := s.FetchUnassigned(context.Background(), "KZ", 10)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, "1001", pts[0].ID)
	assert.Equal(t, 43.25, pts[0].Lat)
	assert.Equal(t, 76.95, pts[0].Lon)
	assert.Equal(t, int64(3), pts[1].BatchID)
	assert.False(t, pts[0].Assigned())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchUnassigned_NoLimit(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`ORDER BY error_id$`).WithArgs("").
		WillReturnRows(sqlmock.NewRows([]string{"error_id", "lat", "lon", "item", "class", "title", "subtitle", "batch_id"}))
	pts, err := s.FetchUnassigned(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, pts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPatches_InsertsAndAssigns(t *testing.T) {
	s, mock := newMock(t)
	ps := []patches.Patch{samplePatch("a", "b", "c"), samplePatch("d", "e", "f", "g")}
	mergedID := MintPatchID("KZ", ps[1].Members)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO osmose_patches")).
		WithArgs("KZ_a_b_c", polygonJSON{}, "KZ", "kazakhstan", sqlmock.AnyArg(), 4.0, 8.0, 3,
			"patches_batch_7", int64(7), 3, "easy", metadataWith(`"geohash":"txwwp7"`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE osmose_errors SET patch_id")).
		WithArgs("KZ_a_b_c", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO osmose_patches")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE osmose_errors SET patch_id")).
		WithArgs(mergedID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE import_batches")).
		WithArgs(2, 7, 2, 0, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.CommitPatches(context.Background(), 7, ps, assignAll(ps))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 7, res.Assigned)
	assert.Equal(t, []string{"KZ_a_b_c", mergedID}, res.PatchIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPatches_ConcurrentAssignmentRollsBack(t *testing.T) {
	s, mock := newMock(t)
	ps := []patches.Patch{samplePatch("a", "b", "c")}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO osmose_patches")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE osmose_errors SET patch_id")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectRollback()

	res, err := s.CommitPatches(context.Background(), 7, ps, assignAll(ps))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrentAssignment))
	assert.Equal(t, CommitResult{}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPatches_DuplicateRelinksMembers(t *testing.T) {
	s, mock := newMock(t)
	ps := []patches.Patch{samplePatch("a", "b", "c")}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO osmose_patches")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE osmose_errors SET patch_id")).
		WithArgs("KZ_a_b_c", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE import_batches")).
		WithArgs(1, 3, 0, 1, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.CommitPatches(context.Background(), 7, ps, assignAll(ps))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPatches_InsertFailureRollsBack(t *testing.T) {
	s, mock := newMock(t)
	ps := []patches.Patch{samplePatch("a", "b", "c")}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO osmose_patches")).WillReturnError(errors.New("invalid GeoJSON"))
	mock.ExpectRollback()

	_, err := s.CommitPatches(context.Background(), 7, ps, assignAll(ps))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KZ_a_b_c")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPatches_MismatchedAssignments(t *testing.T) {
	s, mock := newMock(t)
	ps := []patches.Patch{samplePatch("a", "b", "c")}
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := s.CommitPatches(context.Background(), 7, ps, assignAll(ps)[:2])
	require.Error(t, err)

	_, err = s.CommitPatches(context.Background(), 7, ps, []patches.Assignment{{ErrorID: "a", PatchIndex: 4}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPatches_EmptyIsNoop(t *testing.T) {
	s, mock := newMock(t)
	res, err := s.CommitPatches(context.Background(), 7, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, CommitResult{}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}
