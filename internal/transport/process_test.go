package transport

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestProcessTransport_Send(t *testing.T) {
	transport := NewProcessTransport(zaptest.NewLogger(t))
	ctx := context.Background()

	resp, err := transport.Send(ctx, "pid://"+strconv.Itoa(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, int64(os.Getpid()), resp.Data["pid"])
	assert.NotEmpty(t, resp.Data["name"])

	_, err = transport.Send(ctx, "pid://2147483646")
	require.Error(t, err)

	for _, endpoint := range []string{"pid://", "pid://abc", "pid://-4", "pid://0"} {
		_, err = transport.Send(ctx, endpoint)
		require.ErrorIs(t, err, ErrInvalidEndpoint, endpoint)
	}
}
