package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyHMACSHA256Hex(t *testing.T) {
	body := []byte("id=tr_1")
	sig := HMACSHA256Hex("secret", body)

	require.True(t, VerifyHMACSHA256Hex("secret", body, sig))
	require.True(t, VerifyHMACSHA256Hex("secret", body, "sha256="+sig))
	require.False(t, VerifyHMACSHA256Hex("other", body, sig))
	require.False(t, VerifyHMACSHA256Hex("secret", []byte("id=tr_2"), sig))
	require.False(t, VerifyHMACSHA256Hex("secret", body, "not-hex"))
	require.False(t, VerifyHMACSHA256Hex("secret", body, ""))
}

func TestSha256HexIsStable(t *testing.T) {
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sha256Hex(""))
}
