package process

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(t *testing.T) string {
	t.Helper()
	paths, err := LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return paths[0]
}

func TestInvokeStreamsStdinToStdout(t *testing.T) {
	sh := shell(t)
	var out bytes.Buffer
	input := strings.Repeat("line\n", 10000)

	res, err := NewExecRunner(nil).Invoke(context.Background(), Command{
		Path:   sh,
		Args:   []string{"-c", "cat"},
		Stdin:  strings.NewReader(input),
		Stdout: &out,
	})

	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, input, out.String())
}

func TestInvokeNonZeroExit(t *testing.T) {
	sh := shell(t)

	res, err := NewExecRunner(nil).Invoke(context.Background(), Command{
		Path: sh,
		Args: []string{"-c", "echo 'psql: error: connection refused' >&2; exit 2"},
	})

	require.Error(t, err)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.ExitCode)
	assert.Equal(t, 2, res.ExitCode)
	assert.Contains(t, res.Stderr, "connection refused")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestInvokePassesEnvironment(t *testing.T) {
	sh := shell(t)
	var out bytes.Buffer

	_, err := NewExecRunner(nil).Invoke(context.Background(), Command{
		Path:   sh,
		Args:   []string{"-c", "printf %s \"$PGAPPNAME\""},
		Env:    []string{"PGAPPNAME=databasetool"},
		Stdout: &out,
	})

	require.NoError(t, err)
	assert.Equal(t, "databasetool", out.String())
}

func TestInvokeMissingExecutable(t *testing.T) {
	res, err := NewExecRunner(nil).Invoke(context.Background(), Command{Path: "/nonexistent/pg_dump"})

	require.Error(t, err)
	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
	assert.Equal(t, -1, res.ExitCode)
}

func TestInvokeHonoursCancellation(t *testing.T) {
	sh := shell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewExecRunner(nil).Invoke(ctx, Command{Path: sh, Args: []string{"-c", "exec sleep 10"}})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("0123456789"))
	tb.Write([]byte("ab"))

	assert.Equal(t, "...\n456789ab", tb.String())
}

func TestLookPathReportsMissingTools(t *testing.T) {
	_, err := LookPath("sh", "definitely-not-a-real-tool-xyz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-not-a-real-tool-xyz")
	assert.NotContains(t, err.Error(), "sh,")
}
