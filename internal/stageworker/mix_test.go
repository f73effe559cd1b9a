package stageworker

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSilenceProducesExpectedSampleCount(t *testing.T) {
	path := t.TempDir() + "/silence.wav"
	require.NoError(t, writeSilence(path, 0.5))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int(0.5*ttsSampleRate)*2+44, len(data))
}
