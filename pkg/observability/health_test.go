package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_NoDependencies(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	checker.SetVersion("1.2.3")

	status := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Empty(t, status.Dependencies)
}

func TestHealthChecker_Probes(t *testing.T) {
	t.Run("non-critical failure degrades", func(t *testing.T) {
		checker := NewHealthChecker(nil, nil)
		checker.AddProbe("scheduler", true, func(context.Context) error { return nil })
		checker.AddProbe("watcher", false, func(context.Context) error { return errors.New("stopped") })

		status := checker.Check(context.Background())
		assert.Equal(t, StatusDegraded, status.Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["scheduler"].Status)
		assert.Equal(t, StatusDegraded, status.Dependencies["watcher"].Status)
		assert.Equal(t, "stopped", status.Dependencies["watcher"].Message)
	})

	t.Run("critical failure is unhealthy", func(t *testing.T) {
		checker := NewHealthChecker(nil, nil)
		checker.AddProbe("watcher", false, func(context.Context) error { return errors.New("stopped") })
		checker.AddProbe("scheduler", true, func(context.Context) error { return errors.New("closed") })

		status := checker.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
	})
}

func TestHealthChecker_Database(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

		status := NewHealthChecker(db, nil).Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["state_store"].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection reset"))

		status := NewHealthChecker(db, nil).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Contains(t, status.Dependencies["state_store"].Message, "connection reset")
	})
}

func TestHealthChecker_Redis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewHealthChecker(nil, client)
	status := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["redis"].Status)

	mr.Close()
	status = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
}

func TestRegisterHealthRoutes(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	checker.AddProbe("scheduler", true, func(context.Context) error { return errors.New("closed") })

	router := mux.NewRouter()
	RegisterHealthRoutes(router, checker)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Contains(t, body.Dependencies, "scheduler")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
