package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domalend/domalend-node/config"
)

func TestRunRejectsBadSignerKey(t *testing.T) {
	cfg := &config.Config{
		RPCURL:         "http://localhost:1", // never reached: the key fails first
		PrivateKeyHex:  "not-hex",
		SubgraphURL:    "http://localhost:4000/graphql",
		SubgraphAPIKey: "key",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := New(cfg).Run(ctx)
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err), "startup fault must map to the configuration exit code")
}
