package in_toto

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInTotoRunRecordsMaterialsAndProducts(t *testing.T) {
	dir := t.TempDir()
	materialPath := filepath.Join(dir, "input.txt")
	require.NoError(t, ioutil.WriteFile(materialPath, []byte("hello"), 0644))

	ctx := RecordingContext{
		MaterialPaths: []string{"input.txt"},
		ProductPaths:  []string{"input.txt"},
		RunDir:        dir,
	}

	mb, err := InTotoRun("test-step", ctx, []string{"true"})
	require.NoError(t, err)

	link, ok := mb.Signed.(Link)
	require.True(t, ok)
	assert.Equal(t, "test-step", link.Name)
	assert.Len(t, link.Materials, 1)
	assert.Len(t, link.Products, 1)
	assert.Contains(t, link.ByProducts, "return-value")
}

func TestInTotoRunNonZeroExit(t *testing.T) {
	ctx := RecordingContext{}
	mb, err := InTotoRun("fail-step", ctx, []string{"false"})
	require.NoError(t, err)
	link := mb.Signed.(Link)
	assert.Equal(t, 1, link.ByProducts["return-value"])
}

func TestInTotoRunTimeoutStillEmitsLink(t *testing.T) {
	ctx := RecordingContext{Timeout: 10 * 1_000_000} // 10ms
	mb, err := InTotoRun("slow-step", ctx, []string{"sleep", "5"})
	require.NoError(t, err)
	link := mb.Signed.(Link)
	assert.Equal(t, true, link.ByProducts["timed-out"])
}

func TestInTotoRunTimeoutFailsWhenConfigured(t *testing.T) {
	ctx := RecordingContext{Timeout: 10 * 1_000_000, FailOnTimeout: true} // 10ms
	_, err := InTotoRun("slow-step", ctx, []string{"sleep", "5"})
	require.Error(t, err)
	var kindErr *Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, KindTimeout, kindErr.Kind)
}

func TestWaitErrToExitCodeNilIsZero(t *testing.T) {
	code, err := WaitErrToExitCode(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRecordStartStopRoundTrip(t *testing.T) {
	dir := t.TempDir()
	materialPath := filepath.Join(dir, "m.txt")
	require.NoError(t, ioutil.WriteFile(materialPath, []byte("m"), 0644))

	startCtx := RecordingContext{MaterialPaths: []string{materialPath}}
	inProgress, err := InTotoRecordStart("step", startCtx, nil)
	require.NoError(t, err)

	productPath := filepath.Join(dir, "p.txt")
	require.NoError(t, ioutil.WriteFile(productPath, []byte("p"), 0644))
	stopCtx := RecordingContext{ProductPaths: []string{productPath}}

	final, err := InTotoRecordStop(inProgress, stopCtx, nil)
	require.NoError(t, err)

	link := final.Signed.(Link)
	assert.Len(t, link.Materials, 1)
	assert.Len(t, link.Products, 1)
}
