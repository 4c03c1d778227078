package utils

import (
	"os"

	"github.com/pkg/errors"
)

// Error taxonomy shared by every layer. Callers wrap these with
// errors.Wrapf and test with errors.Is.
var (
	// ErrInvalidArgument is misuse: bad communicator membership, wrong list
	// sizes handed to a collective, bad ranks.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSizeMismatch flags size/offset arrays inconsistent with a buffer.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrScheduleMismatch flags a received payload whose size disagrees with
	// what the communication schedule expects.
	ErrScheduleMismatch = errors.New("schedule mismatch")
	// ErrOutOfRange is an index translation outside the caller's partition.
	ErrOutOfRange = errors.New("out of range")
	// ErrMalformedStream is corrupted serialized data.
	ErrMalformedStream = errors.New("malformed stream")
	// ErrEndOfStream is a read past the end of a message buffer.
	ErrEndOfStream = errors.New("end of stream")
	// ErrPartitionerFailure is a non-zero status from the graph partitioner.
	ErrPartitionerFailure = errors.New("partitioner failure")
	// ErrAborted is returned by blocked operations once the worker group
	// has been torn down.
	ErrAborted = errors.New("worker group aborted")
)

// Exit terminates the process after a fatal diagnostic. Tests replace it.
var Exit = os.Exit
