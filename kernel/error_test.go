package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
	}

	require.Equal(t, err.Message, err.Error())

	var asErr error = err
	require.Same(t, err, asErr.(*Error))
}
