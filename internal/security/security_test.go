package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMintAndVerifyToken(t *testing.T) {
	issuer, err := NewIssuer(Config{Secret: "cluster-secret"})
	require.NoError(t, err)

	tok, err := issuer.MintNodeToken("node-1")
	require.NoError(t, err)

	nodeID, err := issuer.VerifyToken(tok)
	require.NoError(t, err)
	require.Equal(t, "node-1", nodeID)
}

func TestVerifyToken_WrongIssuerRejected(t *testing.T) {
	a, err := NewIssuer(Config{Secret: "secret-a"})
	require.NoError(t, err)
	b, err := NewIssuer(Config{Secret: "secret-b"})
	require.NoError(t, err)

	tok, err := a.MintNodeToken("node-1")
	require.NoError(t, err)

	_, err = b.VerifyToken(tok)
	require.Error(t, err)
}

func TestVerifyToken_Expired(t *testing.T) {
	issuer, err := NewIssuer(Config{Secret: "s", TTL: time.Nanosecond})
	require.NoError(t, err)
	tok, err := issuer.MintNodeToken("node-1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	_, err = issuer.VerifyToken(tok)
	require.Error(t, err)
}

func TestVerifySecret(t *testing.T) {
	issuer, err := NewIssuer(Config{Secret: "correct-secret"})
	require.NoError(t, err)
	require.True(t, issuer.VerifySecret("correct-secret"))
	require.False(t, issuer.VerifySecret("wrong-secret"))
}
