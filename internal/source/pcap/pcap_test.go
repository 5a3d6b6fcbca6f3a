package pcap

import (
	"testing"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/stretchr/testify/assert"
)

func TestReadTimeout(t *testing.T) {
	assert.Equal(t, defaultTimeout, readTimeout(0))
	assert.Equal(t, defaultTimeout, readTimeout(-time.Second))
	assert.Equal(t, 250*time.Millisecond, readTimeout(250*time.Millisecond))
	assert.NotEqual(t, pcap.BlockForever, readTimeout(pcap.BlockForever))
}
