package reactor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	cases := []struct {
		k    Kind
		want string
	}{
		{KindNone, "none"},
		{KindOS, "os"},
		{KindLib, "lib"},
		{KindThirdParty, "thirdparty"},
		{KindNoObject, "no_object"},
		{KindRuntime, "runtime"},
		{KindContinue, "continue"},
		{KindParser, "parser"},
		{KindNotFound, "not_found"},
		{KindMissingParam, "missing_param"},
		{Kind(999), "unknown"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.k.String())
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := lastOSError("epoll_wait", cause)
	require.Equal(t, KindOS, e.Kind)
	require.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "epoll_wait")
	assert.Contains(t, e.Error(), "boom")
}

func TestErrorIsSentinel(t *testing.T) {
	var err error = ErrNoObject
	assert.True(t, errors.Is(err, ErrNoObject))
	assert.False(t, errors.Is(err, ErrMissingParam))
	assert.False(t, errors.Is(err, ErrContinue))
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "NONE", None.String())
	assert.Equal(t, "READ", Read.String())
	assert.Equal(t, "READ|WRITE", (Read | Write).String())
	assert.Equal(t, "DONE|ABORT", (Done | Abort).String())
}
