package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionStrings(t *testing.T) {
	prev := Version
	Version = "1.2.3"
	t.Cleanup(func() { Version = prev })

	assert.Equal(t, "any-cdn 1.2.3 (dev)", Full())
	assert.Equal(t, "any-cdn/1.2.3", UserAgent(""))
	assert.Equal(t, "any-cdn-uplink/1.2.3", UserAgent("uplink"))
}
