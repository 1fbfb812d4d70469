package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsImageModel(t *testing.T) {
	require.True(t, isImageModel("nano-banana-v2"))
	require.True(t, isImageModel("Gemini-3-Pro-Image"))
	require.True(t, isImageModel("imagen-3.0"))
	require.False(t, isImageModel("gemini-2.5-pro"))
	require.False(t, isImageModel(""))
}
