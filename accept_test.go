package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestFormatPeerAddr(t *testing.T) {
	sa := &unix.SockaddrInet4{Port: 40011, Addr: [4]byte{127, 0, 0, 1}}
	assert.Equal(t, "127.0.0.1:40011", formatPeerAddr(sa))
}
