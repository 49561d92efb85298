package app

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/liteim/internal/dbtest"
)

const baseYAML = `
telegram:
  disabled: true
  admin_id: 42
database:
  driver: sqlite
  path: test.db
wallet:
  api_url: "https://wallet.test/"
  identity_key: key
messenger:
  page_token: page
  verify_token: verify
http:
  notifier_secret: s3cret
admins: [" mx:@ops:example.org "]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigNormalizesSections(t *testing.T) {
	t.Setenv("HTTP_LISTEN", ":9999")
	cfg, err := LoadConfig(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTP.Listen)
	assert.Equal(t, "https://wallet.test", cfg.Wallet.APIURL)
	assert.Equal(t, "testnet", cfg.Wallet.Network)
	assert.Equal(t, "https://graph.facebook.com/v19.0", cfg.Messenger.GraphURL)
	assert.False(t, cfg.Matrix.Enabled())
	assert.Equal(t, 5, cfg.TwoFactor.MaxAttempts)
	assert.ElementsMatch(t, []string{"mx:@ops:example.org", "tg:42"}, cfg.AdminIDs())
	assert.Same(t, &cfg.Config, cfg.CoreConfig())
}

func TestLoadConfigRejects(t *testing.T) {
	noTransport := `
telegram: {disabled: true}
database: {driver: sqlite, path: x.db}
wallet: {api_url: "https://wallet.test", identity_key: key}
http: {notifier_secret: s}
`
	_, err := LoadConfig(writeConfig(t, noTransport))
	assert.ErrorContains(t, err, "no chat transport")

	badAdmin := noTransport + "messenger: {page_token: p, verify_token: v}\nadmins: [bob]\n"
	_, err = LoadConfig(writeConfig(t, badAdmin))
	assert.ErrorContains(t, err, "invalid admins entry")
}

func TestNewWiresEnabledTransports(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, baseYAML))
	require.NoError(t, err)

	a, err := New(cfg, dbtest.Open(t))
	require.NoError(t, err)
	assert.Nil(t, a.telegram)
	assert.Nil(t, a.matrix)
	require.NotNil(t, a.messenger)

	services, err := a.Services()
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "http", services[0].Name)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/messenger/webhook?hub.mode=subscribe&hub.verify_token=verify&hub.challenge=ok", nil)
	a.HTTP.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestPruneTask(t *testing.T) {
	db := dbtest.Open(t)
	require.NoError(t, PruneTask()(t.Context(), db))
}
