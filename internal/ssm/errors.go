package ssm

import "errors"

var (
	// ErrStepLength is returned when the stepwise decode path is invoked
	// with a sequence length other than 1.
	ErrStepLength = errors.New("stepwise decode requires sequence length 1")

	// ErrLayerIdentity is returned when a state lookup is attempted for an
	// unset layer identity.
	ErrLayerIdentity = errors.New("layer identity is unset")

	// ErrBatchMismatch is returned when a cached layer state is requested
	// with a batch size different from the one it was allocated with.
	ErrBatchMismatch = errors.New("batch size differs from cached state")

	// ErrSequenceParallelDecode is returned when sequence-parallel
	// partitioning is combined with an inference session. The two are
	// mutually exclusive.
	ErrSequenceParallelDecode = errors.New("sequence parallelism cannot be combined with an inference session")

	// ErrNoSession is returned when the stepwise path is invoked without a
	// session to hold the recurrent state.
	ErrNoSession = errors.New("stepwise decode requires an inference session")
)
