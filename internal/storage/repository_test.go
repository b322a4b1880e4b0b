package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bob-ramp/internal/ramp"
)

func TestNilStoreReportsNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, s.UpdateIfStatus(ctx, ramp.Request{ID: "x"}, ramp.StatusPendingPayment), ErrNotConfigured)
	_, err = s.ListByStatus(ctx, ramp.StatusProcessing)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.InsertOracleUpdate(ctx, OracleUpdate{Bucket: time.Now()})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = s.TryAdvisoryLock(ctx, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, s.EnsureSchema(ctx), ErrNotConfigured)
	s.Close()
}

func TestParseDecimals(t *testing.T) {
	got, err := parseDecimals(namedDecimal{"a", "995"}, namedDecimal{"b", "6.9633333"})
	require.NoError(t, err)
	assert.Equal(t, "995", got[0].String())
	assert.Equal(t, "6.9633333", got[1].String())

	_, err = parseDecimals(namedDecimal{"fee amount", "abc"})
	require.Error(t, err)
	if !strings.Contains(err.Error(), "fee amount") {
		t.Fatalf("错误信息应包含字段名, got %v", err)
	}
}

func TestNullableAndStatusArgs(t *testing.T) {
	assert.Nil(t, nullable(""))
	assert.Equal(t, "tx", nullable("tx"))
	assert.Equal(t, []string{"processing", "verified"}, statusArgs([]ramp.Status{ramp.StatusProcessing, ramp.StatusVerified}))
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"ramp_requests", "oracle_updates"} {
		if !strings.Contains(schemaSQL, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("schema 缺少表 %s", table)
		}
	}
}
