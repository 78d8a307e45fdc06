package command

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExec_Stdout(t *testing.T) {
	requireSh(t)
	out, err := Exec(context.Background(), []string{"sh", "-c", `echo '{"ok":true}'`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
}

func TestExec_NonZeroKeepsStdout(t *testing.T) {
	requireSh(t)
	out, err := Exec(context.Background(), []string{"sh", "-c", `echo partial; echo boom >&2; exit 3`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, "partial\n", string(out))
}

func TestExec_Timeout(t *testing.T) {
	requireSh(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Exec(ctx, []string{"sh", "-c", "sleep 5"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExec_Empty(t *testing.T) {
	_, err := Exec(context.Background(), nil)
	assert.Error(t, err)
}

func TestWithArgs_DoesNotAlias(t *testing.T) {
	base := make([]string, 2, 8)
	base[0], base[1] = "ip", "neigh"
	a := WithArgs(base, "10.0.0.1")
	b := WithArgs(base, "10.0.0.2")
	assert.Equal(t, []string{"ip", "neigh", "10.0.0.1"}, a)
	assert.Equal(t, []string{"ip", "neigh", "10.0.0.2"}, b)
}
