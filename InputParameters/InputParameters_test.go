package InputParameters

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/pstream/utils"
)

func TestParse(t *testing.T) {
	fileInput := []byte(`
Title: Test Case
Transport: tcp
CommsType: scheduled # Can be blocking or nonBlocking
Addresses:
  - "localhost:7002"
  - "localhost:7001"
Password: secret
InitTimeout: 2.5
Worlds: [fluid, solid]
HaveThreads: false
Decomposition:
  Partitioner: metis
  Objective: cut
  DumpGraph: /tmp/graph
`)
	rp := Defaults()
	require.NoError(t, rp.Parse(fileInput))
	assert.Equal(t, "Test Case", rp.Title)
	assert.Equal(t, "tcp", rp.Transport)
	assert.Equal(t, []string{"localhost:7002", "localhost:7001"}, rp.Addresses)
	assert.Equal(t, 2, rp.NProcs())
	assert.Equal(t, 2500*time.Millisecond, rp.Timeout())
	assert.Equal(t, []string{"fluid", "solid"}, rp.Worlds)
	assert.False(t, rp.HaveThreads)
	assert.Equal(t, "metis", rp.Decomposition.Partitioner)
	assert.Equal(t, "cut", rp.Decomposition.Objective)
	assert.Equal(t, "/tmp/graph", rp.Decomposition.DumpGraph)
	// Absent keys keep their defaults
	assert.Equal(t, 16, rp.NProcsSimpleSum)
	assert.Equal(t, float32(1.05), rp.Decomposition.ImbalanceFactor)
	assert.NoError(t, rp.Validate())
	rp.Print()
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Defaults().Validate())
	for name, mutate := range map[string]func(rp *RunParameters){
		"transport":   func(rp *RunParameters) { rp.Transport = "udp" },
		"procs":       func(rp *RunParameters) { rp.NumProcs = 0 },
		"addresses":   func(rp *RunParameters) { rp.Transport = "tcp" },
		"partitioner": func(rp *RunParameters) { rp.Decomposition.Partitioner = "scotch" },
		"objective":   func(rp *RunParameters) { rp.Decomposition.Objective = "edge" },
		"partitions":  func(rp *RunParameters) { rp.Decomposition.NumPartitions = -1 },
		"worlds":      func(rp *RunParameters) { rp.Worlds = []string{"a"} },
	} {
		rp := Defaults()
		mutate(rp)
		assert.True(t, errors.Is(rp.Validate(), utils.ErrInvalidArgument), name)
	}
	rp := Defaults()
	assert.True(t, errors.Is(rp.Parse([]byte("NumProcs: [1")), utils.ErrInvalidArgument))
}
