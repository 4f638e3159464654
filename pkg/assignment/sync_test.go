package assignment

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orderdesk/pkg/database"
	"github.com/platinummonkey/orderdesk/pkg/models"
	"github.com/platinummonkey/orderdesk/pkg/observability"
)

const (
	lockOrderQuery  = "SELECT order_type, status, assigned_to FROM orders WHERE id = \\$1 AND deleted_at IS NULL FOR UPDATE"
	loadAssignQuery = "SELECT production_manager_id FROM order_assignments WHERE order_id = \\$1"
)

func int64Ptr(v int64) *int64 { return &v }

func setupSync(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Synchronizer, *observability.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return db, mock, NewSynchronizer(nil, metrics), metrics
}

func expectLock(mock sqlmock.Sqlmock, orderID int64, status models.OrderStatus, assignedTo interface{}, members ...int64) {
	mock.ExpectQuery(lockOrderQuery).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"order_type", "status", "assigned_to"}).
			AddRow("cnc", string(status), assignedTo))
	rows := sqlmock.NewRows([]string{"production_manager_id"})
	for _, m := range members {
		rows.AddRow(m)
	}
	mock.ExpectQuery(loadAssignQuery).WithArgs(orderID).WillReturnRows(rows)
}

func syncInTx(ctx context.Context, db *sql.DB, s *Synchronizer, orderID int64, desired []int64, primary *int64, by int64) (*Result, error) {
	var result *Result
	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
		agg, err := s.Lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		result, err = s.Sync(ctx, tx, agg, desired, primary, by)
		return err
	})
	return result, err
}

func TestSync_ReassignFromOneToTwoCoordinators(t *testing.T) {
	db, mock, s, metrics := setupSync(t)
	ctx := context.Background()

	mock.ExpectBegin()
	expectLock(mock, 42, models.OrderStatusPending, int64(11), 11)
	mock.ExpectExec("DELETE FROM order_assignments WHERE order_id = \\$1 AND production_manager_id = ANY\\(\\$2\\)").
		WithArgs(int64(42), "{11}").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_assignments (.+) FROM unnest\\(\\$2::bigint\\[\\]\\)").
		WithArgs(int64(42), "{12,13}", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE orders SET assigned_to = \\$2, status = \\$3").
		WithArgs(int64(42), int64(12), "assigned", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_status_history").
		WithArgs(int64(42), "pending", "assigned", int64(1), "coordinators assigned", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, err := syncInTx(ctx, db, s, 42, []int64{12, 13}, nil, 1)
	require.NoError(t, err)

	assert.Equal(t, []int64{12, 13}, result.Added)
	assert.Equal(t, []int64{11}, result.Removed)
	assert.Equal(t, []int64{12, 13}, result.Current)
	require.NotNil(t, result.PrimaryID)
	assert.Equal(t, int64(12), *result.PrimaryID)
	assert.Equal(t, models.OrderStatusPending, result.PreviousStatus)
	assert.Equal(t, models.OrderStatusAssigned, result.Status)
	assert.True(t, result.StatusChanged())

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AssignmentSyncsTotal.WithLabelValues("changed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AssignmentChangesTotal.WithLabelValues("added")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSync_Idempotent(t *testing.T) {
	db, mock, s, _ := setupSync(t)
	ctx := context.Background()

	mock.ExpectBegin()
	expectLock(mock, 7, models.OrderStatusPending, nil)
	mock.ExpectExec("INSERT INTO order_assignments").
		WithArgs(int64(7), "{21,22}", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE orders SET assigned_to").
		WithArgs(int64(7), int64(21), "assigned", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_status_history").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	first, err := syncInTx(ctx, db, s, 7, []int64{21, 22}, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{21, 22}, first.Added)

	// second call sees the committed state and writes nothing
	mock.ExpectBegin()
	expectLock(mock, 7, models.OrderStatusAssigned, int64(21), 21, 22)
	mock.ExpectCommit()

	second, err := syncInTx(ctx, db, s, 7, []int64{21, 22}, nil, 1)
	require.NoError(t, err)
	assert.Empty(t, second.Added)
	assert.Empty(t, second.Removed)
	assert.False(t, second.Changed())
	assert.False(t, second.StatusChanged())
	assert.Equal(t, []int64{21, 22}, second.Current)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSync_DuplicateAndPresentIDsAreNoOps(t *testing.T) {
	db, mock, s, _ := setupSync(t)

	mock.ExpectBegin()
	expectLock(mock, 7, models.OrderStatusInProduction, int64(21), 21)
	mock.ExpectExec("INSERT INTO order_assignments").
		WithArgs(int64(7), "{22}", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := syncInTx(context.Background(), db, s, 7, []int64{21, 21, 22, 22}, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{22}, result.Added)
	assert.Empty(t, result.Removed)
	assert.Equal(t, models.OrderStatusInProduction, result.Status, "only pending and assigned are flipped")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSync_EmptySetRevertsToPending(t *testing.T) {
	db, mock, s, _ := setupSync(t)

	mock.ExpectBegin()
	expectLock(mock, 9, models.OrderStatusAssigned, int64(31), 31, 32)
	mock.ExpectExec("DELETE FROM order_assignments").
		WithArgs(int64(9), "{31,32}").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE orders SET assigned_to").
		WithArgs(int64(9), nil, "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_status_history").
		WithArgs(int64(9), "assigned", "pending", int64(5), "all coordinators removed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, err := syncInTx(context.Background(), db, s, 9, nil, nil, 5)
	require.NoError(t, err)
	assert.Empty(t, result.Current)
	assert.Nil(t, result.PrimaryID)
	assert.Equal(t, models.OrderStatusPending, result.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSync_ExplicitPrimary(t *testing.T) {
	db, mock, s, _ := setupSync(t)

	mock.ExpectBegin()
	expectLock(mock, 3, models.OrderStatusAssigned, int64(41), 41, 42)
	mock.ExpectExec("UPDATE orders SET assigned_to").
		WithArgs(int64(3), int64(42), "assigned", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := syncInTx(context.Background(), db, s, 3, []int64{41, 42}, int64Ptr(42), 1)
	require.NoError(t, err)
	assert.False(t, result.Changed())
	assert.True(t, result.PrimaryChanged())
	assert.Equal(t, int64(42), *result.PrimaryID)
	assert.Equal(t, int64(41), *result.PreviousPrimary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSync_ResyncKeepsCurrentPrimary(t *testing.T) {
	db, mock, s, _ := setupSync(t)

	// no UPDATE expected: assigned_to stays on 22
	mock.ExpectBegin()
	expectLock(mock, 7, models.OrderStatusAssigned, int64(22), 21, 22)
	mock.ExpectCommit()

	result, err := syncInTx(context.Background(), db, s, 7, []int64{21, 22}, nil, 1)
	require.NoError(t, err)
	assert.False(t, result.Changed())
	assert.False(t, result.PrimaryChanged())
	require.NotNil(t, result.PrimaryID)
	assert.Equal(t, int64(22), *result.PrimaryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSync_RemovedPrimaryFallsBackToFirstDesired(t *testing.T) {
	db, mock, s, _ := setupSync(t)

	mock.ExpectBegin()
	expectLock(mock, 7, models.OrderStatusAssigned, int64(22), 21, 22)
	mock.ExpectExec("DELETE FROM order_assignments").
		WithArgs(int64(7), "{22}").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_assignments").
		WithArgs(int64(7), "{23}", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET assigned_to").
		WithArgs(int64(7), int64(21), "assigned", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := syncInTx(context.Background(), db, s, 7, []int64{21, 23}, nil, 1)
	require.NoError(t, err)
	assert.True(t, result.PrimaryChanged())
	assert.Equal(t, int64(21), *result.PrimaryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSync_RejectsBeforeWriting(t *testing.T) {
	db, mock, s, metrics := setupSync(t)

	mock.ExpectBegin()
	expectLock(mock, 3, models.OrderStatusPending, nil)
	mock.ExpectRollback()

	_, err := syncInTx(context.Background(), db, s, 3, []int64{41}, int64Ptr(99), 1)
	require.Error(t, err)
	assert.True(t, IsInvariantError(err))

	mock.ExpectBegin()
	expectLock(mock, 3, models.OrderStatusPending, nil)
	mock.ExpectRollback()

	_, err = syncInTx(context.Background(), db, s, 3, []int64{41, -1}, nil, 1)
	var ie *InvariantError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, []int64{-1}, ie.CoordinatorIDs)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AssignmentSyncsTotal.WithLabelValues("rejected")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSync_RequiresLock(t *testing.T) {
	db, mock, s, _ := setupSync(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT order_type, status, assigned_to FROM orders WHERE id = \\$1 AND deleted_at IS NULL$").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"order_type", "status", "assigned_to"}).AddRow("cnc", "pending", nil))
	mock.ExpectQuery(loadAssignQuery).WithArgs(int64(3)).WillReturnRows(sqlmock.NewRows([]string{"production_manager_id"}))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	agg, err := Load(context.Background(), tx, 3)
	require.NoError(t, err)
	_, err = s.Sync(context.Background(), tx, agg, []int64{1}, nil, 1)
	assert.True(t, IsInvariantError(err))
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSync_QueryFailurePropagates(t *testing.T) {
	db, mock, s, _ := setupSync(t)

	mock.ExpectBegin()
	expectLock(mock, 5, models.OrderStatusPending, nil)
	mock.ExpectExec("INSERT INTO order_assignments").
		WillReturnError(errors.New("foreign key violation"))
	mock.ExpectRollback()

	_, err := syncInTx(context.Background(), db, s, 5, []int64{77}, nil, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreign key violation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLock_OrderNotFound(t *testing.T) {
	db, mock, s, _ := setupSync(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockOrderQuery).WithArgs(int64(404)).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := syncInTx(context.Background(), db, s, 404, []int64{1}, nil, 1)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// For random existing and desired sets the reconciled aggregate holds
// exactly the desired set and its primary is a member, or nil iff empty.
func TestAggregate_ReconcileProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	randomSet := func() []int64 {
		n := rng.Intn(6)
		out := make([]int64, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, int64(rng.Intn(8)+1))
		}
		return out
	}
	asSet := func(ids []int64) []int64 {
		seen := map[int64]bool{}
		var out []int64
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}

	for i := 0; i < 200; i++ {
		existing := asSet(randomSet())
		desired := randomSet()
		status := models.OrderStatusPending
		if len(existing) > 0 {
			status = models.OrderStatusAssigned
		}
		agg := &Aggregate{OrderID: 1, Status: status, members: existing}

		p, err := agg.reconcile(desired, nil)
		require.NoError(t, err)
		agg.apply(p)

		assert.Equal(t, asSet(desired), asSet(agg.Members()))
		if len(asSet(desired)) == 0 {
			assert.Nil(t, agg.primary)
			assert.Equal(t, models.OrderStatusPending, agg.Status)
		} else {
			require.NotNil(t, agg.primary)
			assert.True(t, agg.Contains(*agg.primary))
			assert.Equal(t, models.OrderStatusAssigned, agg.Status)
		}

		again, err := agg.reconcile(desired, nil)
		require.NoError(t, err)
		assert.Empty(t, again.added)
		assert.Empty(t, again.removed)
	}
}

func TestCoordinatorIDs(t *testing.T) {
	db, mock, _, _ := setupSync(t)

	got, err := CoordinatorIDs(context.Background(), db, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	mock.ExpectQuery("SELECT order_id, production_manager_id FROM order_assignments WHERE order_id = ANY\\(\\$1\\)").
		WithArgs("{1,2,3}").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "production_manager_id"}).
			AddRow(1, 11).AddRow(1, 12).AddRow(3, 31))

	got, err = CoordinatorIDs(context.Background(), db, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64][]int64{1: {11, 12}, 3: {31}}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
