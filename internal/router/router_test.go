package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	apperrors "github.com/genbridge/gateway/internal/pkg/errors"
)

func TestBuildStreamAssistBody_NoFilesNoImageModel(t *testing.T) {
	body, err := buildStreamAssistBody("team-1", "sessions/abc", "hello", nil, false)
	require.NoError(t, err)

	parsed := gjson.Parse(body)
	require.Equal(t, "team-1", parsed.Get("configId").String())
	require.Equal(t, "sessions/abc", parsed.Get("streamAssistRequest.session").String())
	require.Equal(t, "hello", parsed.Get("streamAssistRequest.query.parts.0.text").String())
	require.False(t, parsed.Get("streamAssistRequest.toolsSpec.imageGenerationSpec").Exists())
	require.True(t, parsed.Get("streamAssistRequest.fileIds").IsArray())
	require.Empty(t, parsed.Get("streamAssistRequest.fileIds").Array())
}

func TestBuildStreamAssistBody_ImageModelSetsImageGenerationSpec(t *testing.T) {
	body, err := buildStreamAssistBody("team-1", "sessions/abc", "draw a cat", nil, true)
	require.NoError(t, err)
	require.True(t, gjson.Get(body, "streamAssistRequest.toolsSpec.imageGenerationSpec").Exists())
}

func TestBuildStreamAssistBody_FileIDsCarried(t *testing.T) {
	body, err := buildStreamAssistBody("team-1", "sessions/abc", "look at this", []string{"file-1", "file-2"}, false)
	require.NoError(t, err)
	ids := gjson.Get(body, "streamAssistRequest.fileIds").Array()
	require.Len(t, ids, 2)
	require.Equal(t, "file-1", ids[0].String())
	require.Equal(t, "file-2", ids[1].String())
}

func TestStatusToError(t *testing.T) {
	require.Nil(t, statusToError(200, "create session"))

	err := statusToError(401, "create session")
	require.Equal(t, apperrors.KindAuth, apperrors.FromError(err).Kind)

	err = statusToError(403, "create session")
	require.Equal(t, apperrors.KindAuth, apperrors.FromError(err).Kind)

	err = statusToError(429, "create session")
	require.Equal(t, apperrors.KindRateLimit, apperrors.FromError(err).Kind)

	err = statusToError(500, "create session")
	require.Equal(t, apperrors.KindRequest, apperrors.FromError(err).Kind)
}

func TestIsRetryableTransportError(t *testing.T) {
	require.True(t, isRetryableTransportError(errors.New("ssl handshake failure")))
	require.True(t, isRetryableTransportError(errors.New("connection reset by peer")))
	require.True(t, isRetryableTransportError(errors.New("unexpected EOF")))
	require.True(t, isRetryableTransportError(errors.New("remote error: tls: bad record mac")))
	require.False(t, isRetryableTransportError(errors.New("context deadline exceeded")))
}

func TestRandomHex_LengthAndCharset(t *testing.T) {
	hex := randomHex(6)
	require.Len(t, hex, 12)
	for _, r := range hex {
		require.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'))
	}
}

func TestUpstreamHeaders_CarriesBearerToken(t *testing.T) {
	headers := upstreamHeaders("abc.def.ghi")
	require.Equal(t, "Bearer abc.def.ghi", headers["authorization"])
	require.Equal(t, "application/json", headers["content-type"])
}
