package shared

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/errs"
)

type sample struct {
	Host    string   `json:"host"`
	Timeout Duration `json:"timeout"`
	Retries int      `json:"retries"`
}

func TestDecodeAcceptsDurationForms(t *testing.T) {
	var out sample
	require.NoError(t, Decode("rest", map[string]any{"host": "h", "timeout": "1m30s"}, &out))
	require.Equal(t, 90*time.Second, out.Timeout.Std())

	out = sample{}
	require.NoError(t, Decode("rest", map[string]any{"timeout": 250}, &out))
	require.Equal(t, 250*time.Millisecond, out.Timeout.Std())

	out = sample{}
	require.NoError(t, Decode("rest", nil, &out))
	require.Zero(t, out)
}

func TestDecodeRejectsBadOptions(t *testing.T) {
	var out sample
	err := Decode("rest", map[string]any{"hots": "typo"}, &out)
	require.True(t, errs.IsCode(err, errs.CodeConfiguration))

	err = Decode("rest", map[string]any{"timeout": "soon"}, &out)
	require.True(t, errs.IsCode(err, errs.CodeConfiguration))
}

func TestErrorHelpers(t *testing.T) {
	require.NoError(t, Required("rest", "host", "h"))
	require.True(t, errs.IsCode(Required("rest", "host", "  "), errs.CodeConfiguration))

	cause := errors.New("refused")
	err := Transport("rest", "post", cause)
	require.True(t, errs.IsCode(err, errs.CodeTransport))
	require.ErrorIs(t, err, cause)

	var e *errs.E
	require.True(t, errors.As(Rejected("rest", "status 400", cause), &e))
	require.True(t, e.Permanent)

	require.True(t, errs.IsCode(Disconnected("rest"), errs.CodeUnavailable))
	require.True(t, errs.IsCode(Invalid("rest", "bad"), errs.CodeConfiguration))
}
