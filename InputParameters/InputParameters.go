package InputParameters

import (
	"fmt"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"

	"github.com/notargets/pstream/utils"
)

// Decomposition parameters for the graph partitioner
type Decomposition struct {
	NumPartitions      int     `yaml:"NumPartitions"` // 0 means one part per worker
	Partitioner        string  `yaml:"Partitioner"`   // "block" or "metis"
	ImbalanceFactor    float32 `yaml:"ImbalanceFactor"`
	Objective          string  `yaml:"Objective"` // "cut" or "vol"
	WeightSafetyFactor float64 `yaml:"WeightSafetyFactor"`
	DumpGraph          string  `yaml:"DumpGraph"` // file prefix for the per-worker graph dump
}

// Parameters obtained from the YAML input file
type RunParameters struct {
	Title           string        `yaml:"Title"`
	NumProcs        int           `yaml:"NumProcs"`
	Transport       string        `yaml:"Transport"` // "inproc" or "tcp"
	CommsType       string        `yaml:"CommsType"` // "blocking", "scheduled" or "nonBlocking"
	Addresses       []string      `yaml:"Addresses"` // every worker, for the tcp transport
	Password        string        `yaml:"Password"`
	InitTimeout     float64       `yaml:"InitTimeout"` // seconds
	NProcsSimpleSum int           `yaml:"NProcsSimpleSum"`
	TreeFanOut      int           `yaml:"TreeFanOut"`
	HaveThreads     bool          `yaml:"HaveThreads"` // non-blocking receives progress in the background
	Worlds          []string      `yaml:"Worlds"` // world name of each worker, empty for one world
	Decomposition   Decomposition `yaml:"Decomposition"`
}

const Example = `
########################################
Title: "Test Case"
NumProcs: 4
Transport: inproc # Can be "tcp"
CommsType: nonBlocking
Addresses: [localhost:7001, localhost:7002]
InitTimeout: 30
NProcsSimpleSum: 16
TreeFanOut: 2
HaveThreads: true
Decomposition:
  NumPartitions: 4
  Partitioner: metis # Can be "block"
  ImbalanceFactor: 1.05
  Objective: vol # Can be "cut"
  WeightSafetyFactor: 2
########################################
`

func Defaults() *RunParameters {
	return &RunParameters{
		Title:           "pstream",
		NumProcs:        4,
		Transport:       "inproc",
		CommsType:       "nonBlocking",
		InitTimeout:     30,
		NProcsSimpleSum: 16,
		TreeFanOut:      2,
		HaveThreads:     true,
		Decomposition: Decomposition{
			Partitioner:        "block",
			ImbalanceFactor:    1.05,
			Objective:          "vol",
			WeightSafetyFactor: 2,
		},
	}
}

// Parse overlays the YAML document on the receiver, so fields absent from
// data keep their current values.
func (rp *RunParameters) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, rp); err != nil {
		return errors.Wrap(utils.ErrInvalidArgument, err.Error())
	}
	return nil
}

func (rp *RunParameters) Validate() error {
	switch rp.Transport {
	case "inproc":
		if rp.NumProcs < 1 {
			return errors.Wrapf(utils.ErrInvalidArgument, "NumProcs = %d", rp.NumProcs)
		}
	case "tcp":
		if len(rp.Addresses) == 0 {
			return errors.Wrap(utils.ErrInvalidArgument, "the tcp transport needs Addresses")
		}
	default:
		return errors.Wrapf(utils.ErrInvalidArgument, "unknown Transport %q", rp.Transport)
	}
	switch rp.Decomposition.Partitioner {
	case "block", "metis":
	default:
		return errors.Wrapf(utils.ErrInvalidArgument, "unknown Partitioner %q", rp.Decomposition.Partitioner)
	}
	switch rp.Decomposition.Objective {
	case "cut", "vol":
	default:
		return errors.Wrapf(utils.ErrInvalidArgument, "unknown Objective %q", rp.Decomposition.Objective)
	}
	if rp.Decomposition.NumPartitions < 0 {
		return errors.Wrapf(utils.ErrInvalidArgument, "NumPartitions = %d", rp.Decomposition.NumPartitions)
	}
	if n := rp.NProcs(); len(rp.Worlds) != 0 && len(rp.Worlds) != n {
		return errors.Wrapf(utils.ErrInvalidArgument, "%d world names for %d workers", len(rp.Worlds), n)
	}
	return nil
}

// NProcs is the size of the worker group the parameters describe.
func (rp *RunParameters) NProcs() int {
	if rp.Transport == "tcp" {
		return len(rp.Addresses)
	}
	return rp.NumProcs
}

func (rp *RunParameters) Timeout() time.Duration {
	return time.Duration(rp.InitTimeout * float64(time.Second))
}

func (rp *RunParameters) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", rp.Title)
	fmt.Printf("[%s]\t\t= Transport\n", rp.Transport)
	fmt.Printf("[%d]\t\t\t= Workers\n", rp.NProcs())
	fmt.Printf("[%s]\t= CommsType\n", rp.CommsType)
	fmt.Printf("[%d]\t\t\t= NProcsSimpleSum\n", rp.NProcsSimpleSum)
	fmt.Printf("[%d]\t\t\t= TreeFanOut\n", rp.TreeFanOut)
	fmt.Printf("[%v]\t\t= HaveThreads\n", rp.HaveThreads)
	if len(rp.Worlds) != 0 {
		fmt.Printf("%v\t= Worlds\n", rp.Worlds)
	}
	d := rp.Decomposition
	fmt.Printf("[%s]\t\t= Partitioner\n", d.Partitioner)
	fmt.Printf("[%d]\t\t\t= NumPartitions\n", d.NumPartitions)
	fmt.Printf("%8.5f\t\t= ImbalanceFactor\n", d.ImbalanceFactor)
	fmt.Printf("[%s]\t\t\t= Objective\n", d.Objective)
}
