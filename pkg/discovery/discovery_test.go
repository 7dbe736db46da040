package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// mDNS advertise/resolve require real UDP multicast sockets and are not
// exercised here; these tests cover the naming scheme the rest of the
// package (and pkg/signalling, which consumes ServicePort) depends on.

func TestHostnameSuffixIsFullyQualified(t *testing.T) {
	assert.Equal(t, ".screencaster.local.", HostnameSuffix)
}

func TestServicePortMatchesFixedAllocation(t *testing.T) {
	assert.Equal(t, 31413, ServicePort)
}
