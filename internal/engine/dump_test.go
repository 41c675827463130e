package engine

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaclab/cpsw-tpg/internal/ir"
	"github.com/slaclab/cpsw-tpg/internal/regmap"
)

func TestDumpGolden(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 8)

	id, err := e.InsertSequence(burst())
	require.NoError(t, err)
	loop, err := e.InsertSequence([]ir.Instruction{
		ir.ACRateSync{TimeslotMask: 0x3f, Marker: 2, Occurrence: 5},
		ir.Checkpoint{Label: "mid"},
		ir.Loop(0, ir.CounterB, 10),
	})
	require.NoError(t, err)
	require.NoError(t, e.SetAddress(id, 0, 1))
	require.NoError(t, e.SetMPSJump(0, loop, 2, 1))

	var buf bytes.Buffer
	require.NoError(t, e.Dump(&buf))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "engine_dump", buf.Bytes())
}

// headerFailWriter fails writes of the engine header line only.
type headerFailWriter struct{ bytes.Buffer }

func (w *headerFailWriter) Write(p []byte) (int, error) {
	if bytes.HasPrefix(p, []byte("Engine ")) {
		return 0, errors.New("short write")
	}
	return w.Buffer.Write(p)
}

func TestDumpReportsHeaderWriteError(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 8)
	assert.EqualError(t, e.Dump(&headerFailWriter{}), "short write")
}

func TestDumpSequenceReadsHardware(t *testing.T) {
	e, mem := newTestEngine(t, ir.RequestBeam, 8)
	id, err := e.InsertSequence(burst())
	require.NoError(t, err)

	// A word changed behind the engine's back shows up in the dump.
	require.NoError(t, mem.Write(regmap.RAM(0), 2, 0x80000007))

	var buf bytes.Buffer
	require.NoError(t, e.DumpSequence(&buf, id))
	assert.Contains(t, buf.String(), "[002] 80000007  BeamRequest(charge=1)")

	assert.True(t, IsNotFound(e.DumpSequence(&buf, 30)))
}
