package commentary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractTicker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		title      string
		body       string
		wantTicker string
		wantAction string
	}{
		{
			name:       "buying and selling today uses the buy section",
			title:      "We're Buying and Selling Today",
			body:       "We sold Bar Inc. (BAR) this morning. Buy Foo Today: we like Foo Corp. (FOO) here.",
			wantTicker: "FOO",
			wantAction: ActionBuy,
		},
		{
			name:       "plain buy title takes first symbol",
			title:      "Time to Buy This Leader",
			body:       "Foo Corp. (FOO) goes into the growth portfolio.",
			wantTicker: "FOO",
			wantAction: ActionBuy,
		},
		{
			name:       "buy and sell title skips the sell half",
			title:      "We're Selling One, Buying Another",
			body:       "Sell Bar (BAR). Then buy the dip in Foo Corp. (FOO).",
			wantTicker: "FOO",
			wantAction: ActionBuy,
		},
		{
			name:       "adding title carries its own symbol",
			title:      "Adding FOO on Weakness",
			body:       "No parenthetical here.",
			wantTicker: "FOO",
			wantAction: ActionBuy,
		},
		{
			name:  "sell only commentary yields nothing",
			title: "Selling Two Positions",
			body:  "We are selling Bar Inc. (BAR) and Baz Co. (BAZ).",
		},
		{
			name:  "buy title without symbol yields nothing",
			title: "Buy the Dip",
			body:  "No ticker is named in this note.",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ticker, action := ExtractTicker(tc.title, tc.body)
			require.Equal(t, tc.wantTicker, ticker)
			require.Equal(t, tc.wantAction, action)
		})
	}
}

func TestLoadCredentials_Validation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadCredentials(dir + "/nope.json")
		require.Error(t, err)
	})

	t.Run("empty list", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, dir, "empty.json", "[]")
		_, err := LoadCredentials(path)
		require.ErrorContains(t, err, "no accounts")
	})

	t.Run("missing password", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, dir, "bad.json", `[{"email":"a@b.c"}]`)
		_, err := LoadCredentials(path)
		require.ErrorContains(t, err, "missing email or password")
	})

	t.Run("valid list", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, dir, "ok.json", `[{"email":"a@b.c","password":"pw"}]`)
		creds, err := LoadCredentials(path)
		require.NoError(t, err)
		require.Len(t, creds, 1)
		require.Equal(t, "a@b.c", creds[0].Email)
	})
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
