package utils

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogInterceptor_PrefixesCompleteLines(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)

	n, err := li.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	_, err = li.Write([]byte("ond\n"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "line=1 time="))
	assert.True(t, strings.HasSuffix(lines[0], "first"))
	assert.True(t, strings.HasPrefix(lines[1], "line=2 time="))
	assert.True(t, strings.HasSuffix(lines[1], "second"))
}

func TestLogInterceptor_CloseFlushesPartialLine(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)

	_, err := li.Write([]byte("dangling"))
	require.NoError(t, err)
	assert.Empty(t, out.String())

	require.NoError(t, li.Close())
	assert.Contains(t, out.String(), "dangling")
}
