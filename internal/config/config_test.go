package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("AUTH_JWTSECRET", "secret")
	t.Setenv("GATEWAY_APIKEY", "key-from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.DB.Driver)
	assert.Equal(t, "secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "key-from-env", cfg.Gateway.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "EUR", cfg.Gateway.Currency)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval)

	policy, err := cfg.Fees.Policy()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.10").Equal(policy.PenaltyRate))
	assert.True(t, decimal.NewFromInt(5).Equal(policy.FlatFee))

	assert.Equal(t, "268", cfg.Phone.Format().CountryCode)
	assert.Equal(t, 8, cfg.Phone.Format().SubscriberDigits)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	yaml := `
db:
  driver: memory
auth:
  jwtSecret: file-secret
gateway:
  currency: SZL
  timeout: 5s
fees:
  flatFee: "2.50"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "SZL", cfg.Gateway.Currency)
	assert.Equal(t, 5*time.Second, cfg.Gateway.Timeout)

	policy, err := cfg.Fees.Policy()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("2.5").Equal(policy.FlatFee))
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("FEES_PENALTYRATE", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.databaseURL")
	assert.Contains(t, err.Error(), "auth.jwtSecret")
	assert.Contains(t, err.Error(), "fees.penaltyRate")
}

func TestValidate_ReconcileGraceOutlastsRequests(t *testing.T) {
	tests := []struct {
		name    string
		timeout string
		grace   string
		wantErr bool
	}{
		{name: "defaults", timeout: "30s", grace: "2m"},
		{name: "zero grace", timeout: "30s", grace: "0s", wantErr: true},
		{name: "grace shorter than two gateway calls", timeout: "30s", grace: "60s", wantErr: true},
		{name: "grace equal to the request bound", timeout: "30s", grace: "90s", wantErr: true},
		{name: "short gateway timeout", timeout: "10s", grace: "60s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv("DB_DRIVER", "memory")
			t.Setenv("AUTH_JWTSECRET", "secret")
			t.Setenv("GATEWAY_TIMEOUT", tt.timeout)
			t.Setenv("RECONCILE_GRACEPERIOD", tt.grace)

			cfg, err := Load()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "reconcile.gracePeriod")
				return
			}
			require.NoError(t, err)
			assert.Greater(t, cfg.Reconcile.GracePeriod, cfg.MaxRequestDuration())
		})
	}
}

func TestServerWriteTimeout(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{WriteTimeout: 60 * time.Second},
		Gateway: GatewayConfig{Timeout: 30 * time.Second},
	}
	assert.Equal(t, 90*time.Second, cfg.MaxRequestDuration())
	assert.Greater(t, cfg.ServerWriteTimeout(), cfg.MaxRequestDuration())

	cfg.Server.WriteTimeout = 5 * time.Minute
	assert.Equal(t, 5*time.Minute, cfg.ServerWriteTimeout())
}
