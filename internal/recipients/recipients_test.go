package recipients

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailmerge-lite/internal/email"
)

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "recipients.yaml")
	content := `
- Name: Alice
  Email Address: alice@example.com
  Subject: Hello Alice
  Body: |
    Hi Alice,
    See attached.
- Name: Bob
  Email Address: not-an-address
  Subject: Hello Bob
  Body: Hi Bob
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []email.Recipient{
		{Name: "Alice", Address: "alice@example.com", Subject: "Hello Alice", Body: "Hi Alice,\nSee attached.\n"},
		{Name: "Bob", Address: "not-an-address", Subject: "Hello Bob", Body: "Hi Bob"},
	}, got)
}

func TestLoad_CSV(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "recipients.CSV")
	content := "\ufeffEmail Address,Name,Subject,Body\n" +
		"alice@example.com,Alice,Hello,\"Line one\nLine two\"\n" +
		"bob@example.com,Bob,Hi,\"Hello, Bob\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []email.Recipient{
		{Name: "Alice", Address: "alice@example.com", Subject: "Hello", Body: "Line one\nLine two"},
		{Name: "Bob", Address: "bob@example.com", Subject: "Hi", Body: "Hello, Bob"},
	}, got)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	badYAML := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("Name: [unclosed"), 0o644))

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"missing file", filepath.Join(dir, "missing.yaml"), "failed to read recipients file"},
		{"malformed yaml", badYAML, "failed to parse recipients YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseYAML_Empty(t *testing.T) {
	t.Parallel()

	got, err := ParseYAML(nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestParseCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    []email.Recipient
		wantErr string
	}{
		{
			name:  "empty input",
			input: "",
			want:  []email.Recipient{},
		},
		{
			name:  "header only",
			input: "Name,Email Address,Subject,Body\n",
			want:  []email.Recipient{},
		},
		{
			name:  "optional columns absent",
			input: "Name,Email Address\nAlice,alice@example.com\n",
			want:  []email.Recipient{{Name: "Alice", Address: "alice@example.com"}},
		},
		{
			name:  "short row",
			input: "Name,Email Address,Subject,Body\nAlice,alice@example.com\n",
			want:  []email.Recipient{{Name: "Alice", Address: "alice@example.com"}},
		},
		{
			name:    "missing address column",
			input:   "Name,Subject\nAlice,Hi\n",
			wantErr: `missing the "Email Address" column`,
		},
		{
			name:    "bad quoting",
			input:   "Name,Email Address\n\"Alice,alice@example.com\n",
			wantErr: "failed to read recipients row",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseCSV(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
