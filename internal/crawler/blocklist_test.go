package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDomainBlocklist(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		bl := NewDomainBlocklist([]string{"Example.org"})
		require.NotNil(t, bl)
		require.True(t, bl.HostBlocked("example.org"))
		require.False(t, bl.HostBlocked("sub.example.org"))
		require.True(t, bl.Blocked("https://example.org/a"))
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		t.Parallel()
		bl := NewDomainBlocklist([]string{"*.ru", ".internal.test"})
		require.NotNil(t, bl)
		cases := map[string]bool{
			"example.ru":       true,
			"sub.domain.ru":    true,
			"ru":               true,
			"a.internal.test":  true,
			"example.com":      false,
			"notinternal.test": false,
		}
		for host, want := range cases {
			require.Equal(t, want, bl.HostBlocked(host), host)
		}
	})

	t.Run("empty patterns", func(t *testing.T) {
		t.Parallel()
		bl := NewDomainBlocklist([]string{" ", "*."})
		require.Nil(t, bl)
		require.False(t, bl.Blocked("https://anything.test/"))
	})
}
