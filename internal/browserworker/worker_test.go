package browserworker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisplayName_PrefersNoteOverEmailLocalPart(t *testing.T) {
	require.Equal(t, "Ada", displayName("Ada", "ada@example.com"))
}

func TestDisplayName_FallsBackToEmailLocalPart(t *testing.T) {
	require.Equal(t, "ada", displayName("", "ada@example.com"))
}

func TestDisplayName_FallsBackToDefaultForBareEmail(t *testing.T) {
	require.Equal(t, "Gemini User", displayName("", "not-an-email"))
}

func TestNeedsLogin(t *testing.T) {
	require.True(t, needsLogin("https://accounts.google.com/signin/v2"))
	require.True(t, needsLogin("https://auth.business.gemini.google/"))
	require.True(t, needsLogin("https://business.gemini.google/SignIn"))
	require.False(t, needsLogin("https://business.gemini.google/cid/abc123/home"))
}

func TestContainsAnyFold(t *testing.T) {
	require.True(t, containsAnyFold("Please ENTER THE CODE sent to your inbox", verificationKeywords))
	require.True(t, containsAnyFold("请输入验证码", verificationKeywords))
	require.False(t, containsAnyFold("nothing relevant here", verificationKeywords))
}

func TestCidPattern_ExtractsTeamIDFromURL(t *testing.T) {
	m := cidPattern.FindStringSubmatch("https://business.gemini.google/cid/team-42/home?csesidx=xyz")
	require.NotNil(t, m)
	require.Equal(t, "team-42", m[1])
}

func TestCidPattern_NoMatchWithoutCidSegment(t *testing.T) {
	m := cidPattern.FindStringSubmatch("https://business.gemini.google/home")
	require.Nil(t, m)
}

func TestRandomDelay_ClampsToBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := randomDelay(100, 200)
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.LessOrEqual(t, d, 200*time.Millisecond)
	}
}
