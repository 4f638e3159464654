package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orderdesk/pkg/sysconfig"
)

type mockConfigStore struct {
	getFunc      func(key, configType string) (*sysconfig.Entry, error)
	listFunc     func(configType string) ([]*sysconfig.Entry, error)
	setFunc      func(key, configType string, value json.RawMessage, description string, updatedBy *int64) (*sysconfig.Entry, error)
	historyFunc  func(key, configType string, limit int) ([]*sysconfig.Revision, error)
	rollbackFunc func(key, configType string, version int64, updatedBy *int64) (*sysconfig.Entry, error)
}

func (m *mockConfigStore) Get(_ context.Context, key, configType string) (*sysconfig.Entry, error) {
	if m.getFunc != nil {
		return m.getFunc(key, configType)
	}
	return nil, sysconfig.ErrConfigNotFound
}

func (m *mockConfigStore) List(_ context.Context, configType string) ([]*sysconfig.Entry, error) {
	if m.listFunc != nil {
		return m.listFunc(configType)
	}
	return nil, nil
}

func (m *mockConfigStore) Set(_ context.Context, key, configType string, value json.RawMessage, description string, updatedBy *int64) (*sysconfig.Entry, error) {
	if m.setFunc != nil {
		return m.setFunc(key, configType, value, description, updatedBy)
	}
	return &sysconfig.Entry{Key: key, Type: configType, Value: value, Version: 1}, nil
}

func (m *mockConfigStore) History(_ context.Context, key, configType string, limit int) ([]*sysconfig.Revision, error) {
	if m.historyFunc != nil {
		return m.historyFunc(key, configType, limit)
	}
	return nil, nil
}

func (m *mockConfigStore) Rollback(_ context.Context, key, configType string, version int64, updatedBy *int64) (*sysconfig.Entry, error) {
	if m.rollbackFunc != nil {
		return m.rollbackFunc(key, configType, version, updatedBy)
	}
	return nil, sysconfig.ErrVersionNotFound
}

func TestConfigHandlers_DeniedForNonAdmin(t *testing.T) {
	store := &mockConfigStore{
		setFunc: func(string, string, json.RawMessage, string, *int64) (*sysconfig.Entry, error) {
			t.Fatal("store should not be called")
			return nil, nil
		},
	}
	h := testServer(Deps{Config: store})

	rec := do(t, h, "PUT", "/api/config/notifications/reminder_interval_hours", SetConfigRequest{Value: json.RawMessage(`4`)}, &customerActor)
	require.Equal(t, http.StatusForbidden, rec.Code)

	resp := decodeError(t, rec)
	assert.Equal(t, CodePermissionDenied, resp.Code)
	assert.Equal(t, "config:manage", resp.Details["permission"])

	rec = do(t, h, "GET", "/api/config", nil, &pmActor)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConfigHandlers_ListAndGet(t *testing.T) {
	var gotType string
	store := &mockConfigStore{
		listFunc: func(configType string) ([]*sysconfig.Entry, error) {
			gotType = configType
			return []*sysconfig.Entry{{Key: sysconfig.KeyOrderTypes, Type: sysconfig.TypeOrderTypes, Value: json.RawMessage(`["cnc"]`), Version: 2}}, nil
		},
		getFunc: func(key, configType string) (*sysconfig.Entry, error) {
			if key == "missing" {
				return nil, sysconfig.ErrConfigNotFound
			}
			return &sysconfig.Entry{Key: key, Type: configType, Value: json.RawMessage(`["cnc"]`), Version: 2}, nil
		},
	}
	h := testServer(Deps{Config: store})

	rec := do(t, h, "GET", "/api/config?type=orders", nil, &adminActor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "orders", gotType)
	assert.Contains(t, rec.Body.String(), `"config_key":"order_types"`)

	rec = do(t, h, "GET", "/api/config/orders/order_types", nil, &adminActor)
	require.Equal(t, http.StatusOK, rec.Code)
	var entry sysconfig.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, int64(2), entry.Version)
	assert.JSONEq(t, `["cnc"]`, string(entry.Value))

	rec = do(t, h, "GET", "/api/config/orders/missing", nil, &adminActor)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigHandlers_Set(t *testing.T) {
	var (
		gotValue json.RawMessage
		gotBy    *int64
	)
	store := &mockConfigStore{
		setFunc: func(key, configType string, value json.RawMessage, description string, updatedBy *int64) (*sysconfig.Entry, error) {
			if string(value) == `-1` {
				return nil, &sysconfig.ValidationError{Key: key, Reason: "must be a positive integer"}
			}
			gotValue, gotBy = value, updatedBy
			return &sysconfig.Entry{Key: key, Type: configType, Value: value, Version: 3}, nil
		},
	}
	h := testServer(Deps{Config: store})

	rec := do(t, h, "PUT", "/api/config/notifications/reminder_interval_hours",
		SetConfigRequest{Value: json.RawMessage(`6`), Description: "slower reminders"}, &adminActor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `6`, string(gotValue))
	require.NotNil(t, gotBy)
	assert.Equal(t, adminActor.UserID, *gotBy)

	rec = do(t, h, "PUT", "/api/config/notifications/reminder_interval_hours",
		SetConfigRequest{Value: json.RawMessage(`-1`)}, &adminActor)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodeValidation, resp.Code)
	assert.Equal(t, "reminder_interval_hours", resp.Details["config_key"])

	rec = do(t, h, "PUT", "/api/config/notifications/reminder_interval_hours", map[string]string{}, &adminActor)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigHandlers_HistoryAndRollback(t *testing.T) {
	var gotLimit int
	store := &mockConfigStore{
		historyFunc: func(key, configType string, limit int) ([]*sysconfig.Revision, error) {
			gotLimit = limit
			return []*sysconfig.Revision{
				{Key: key, Type: configType, Value: json.RawMessage(`6`), Version: 2},
				{Key: key, Type: configType, Value: json.RawMessage(`24`), Version: 1},
			}, nil
		},
		rollbackFunc: func(key, configType string, version int64, updatedBy *int64) (*sysconfig.Entry, error) {
			if version != 1 {
				return nil, sysconfig.ErrVersionNotFound
			}
			return &sysconfig.Entry{Key: key, Type: configType, Value: json.RawMessage(`24`), Version: 3}, nil
		},
	}
	h := testServer(Deps{Config: store})

	rec := do(t, h, "GET", "/api/config/notifications/reminder_interval_hours/history?limit=10", nil, &adminActor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, gotLimit)
	var body struct {
		History []sysconfig.Revision `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.History, 2)
	assert.Equal(t, int64(2), body.History[0].Version)

	rec = do(t, h, "POST", "/api/config/notifications/reminder_interval_hours/rollback", RollbackRequest{Version: 1}, &adminActor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":3`)

	rec = do(t, h, "POST", "/api/config/notifications/reminder_interval_hours/rollback", RollbackRequest{Version: 9}, &adminActor)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, "POST", "/api/config/notifications/reminder_interval_hours/rollback", RollbackRequest{}, &adminActor)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
