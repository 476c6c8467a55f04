package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCookieCodec(t *testing.T) {
	t.Parallel()

	in := []Cookie{
		{Name: "master_access_token", Value: "abc", Domain: ".upwork.com", Path: "/", Expires: time.Unix(1_900_000_000, 0).UTC(), Secure: true},
		{Name: "visitor_id", Value: "v1"},
	}
	blob, err := EncodeCookies(in)
	require.NoError(t, err)

	out, err := DecodeCookies(blob)
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.Equal(t, "master_access_token=abc; visitor_id=v1", CookieHeader(out))

	httpCookies := HTTPCookies(out)
	require.Len(t, httpCookies, 2)
	require.True(t, httpCookies[0].Secure)

	_, err = DecodeCookies([]byte("oauth2v2_plain_token"))
	require.Error(t, err)
}
