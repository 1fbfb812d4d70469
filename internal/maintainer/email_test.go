package maintainer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEmailList_MissingFileReturnsNil(t *testing.T) {
	emails, err := loadEmailList(filepath.Join(t.TempDir(), "missing.txt"))
	require.NoError(t, err)
	require.Nil(t, emails)
}

func TestLoadEmailList_SkipsBlankAndCommentLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credient.txt")
	require.NoError(t, os.WriteFile(path, []byte("a@example.com\n\n# a comment\nnotanemail\nb@example.com\n"), 0o644))

	emails, err := loadEmailList(path)
	require.NoError(t, err)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, emails)
}

func TestSaveEmailList_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credient.txt")
	require.NoError(t, saveEmailList(path, []string{"a@example.com", "b@example.com"}))

	emails, err := loadEmailList(path)
	require.NoError(t, err)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, emails)
}

func TestRemoveEmailByNote_RemovesMatchingLocalPart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credient.txt")
	require.NoError(t, saveEmailList(path, []string{"alice@example.com", "bob@example.com"}))

	require.NoError(t, removeEmailByNote(path, "Alice"))

	emails, err := loadEmailList(path)
	require.NoError(t, err)
	require.Equal(t, []string{"bob@example.com"}, emails)
}

func TestRemoveEmailByNote_NoMatchIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credient.txt")
	require.NoError(t, saveEmailList(path, []string{"alice@example.com"}))

	require.NoError(t, removeEmailByNote(path, "carol"))

	emails, err := loadEmailList(path)
	require.NoError(t, err)
	require.Equal(t, []string{"alice@example.com"}, emails)
}

func TestGenerateUniqueEmail_AvoidsExisting(t *testing.T) {
	existing := map[string]bool{}
	for i := 0; i < 50; i++ {
		email := generateUniqueEmail("example.com", existing)
		require.True(t, strings.HasSuffix(email, "@example.com"))
		require.False(t, existing[strings.ToLower(email)])
		existing[strings.ToLower(email)] = true
	}
}

func TestGenerateUniqueEmail_FallsBackWhenExhausted(t *testing.T) {
	existing := map[string]bool{}
	email := generateUniqueEmail("example.com", existing)
	require.Contains(t, email, "@example.com")
}

func TestRandomLocalPart_LengthAndAlphabet(t *testing.T) {
	s, err := randomLocalPart(8)
	require.NoError(t, err)
	require.Len(t, s, 8)
	for _, r := range s {
		require.True(t, r >= 'a' && r <= 'z')
	}
}
