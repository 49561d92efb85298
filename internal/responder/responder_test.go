package responder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogRenders(t *testing.T) {
	c := Default()
	got := c.Text("send.amount", map[string]string{"to": "a@b.co", "currency": "$"})
	assert.Equal(t, "How much do you want to send to a@b.co, expressed in $?\nExample: 1.50", got)
}

func TestTextEscapesVariables(t *testing.T) {
	c := Default()
	got := c.Text("signup.done", map[string]string{"address": "<b>x</b>"})
	assert.Contains(t, got, "<pre>&lt;b&gt;x&lt;/b&gt;</pre>")
}

func TestDollarBeforePlaceholder(t *testing.T) {
	got := Default().Text("balance.show", map[string]string{
		"confirmed": "1", "confirmed_usd": "80.00", "unconfirmed": "0", "unconfirmed_usd": "0.00",
	})
	assert.Equal(t, "Your balance is 1 LTC or $80.00, and your unconfirmed balance is 0 LTC or $0.00.", got)
}

func TestUnknownKeyAndMissingVar(t *testing.T) {
	c := Default()
	assert.Equal(t, "nope.missing", c.Text("nope.missing", nil))
	assert.Equal(t, "Please enter a valid ${step}.", c.Text("common.invalid_step", nil))
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "texts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("help:\n  prompt: \"Menu:\"\n"), 0o600))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Menu:", c.Text("help.prompt", nil))
	assert.True(t, c.Has("send.to"))
}
