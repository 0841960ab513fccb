package cnst

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppConstants(t *testing.T) {
	assert.Equal(t, "fleetstate", AppName)
	assert.Equal(t, "fleetstate", CommandName)
}
