package gtfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeFromRouteType(t *testing.T) {
	tests := []struct {
		routeType int
		want      Mode
	}{
		{0, ModeTram},
		{1, ModeMetro},
		{2, ModeRail},
		{3, ModeBus},
		{4, ModeFerry},
		{12, ModeMonorail},
		{405, ModeMonorail},
		{401, ModeMetro},
		{109, ModeRail},
		{700, ModeBus},
		{11, ModeBus},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ModeFromRouteType(tt.routeType), "route_type %d", tt.routeType)
	}
}

func TestRouteDisplayName(t *testing.T) {
	assert.Equal(t, "T789", Route{ID: "r1", ShortName: "T789", LongName: "Putrajaya - Cyberjaya"}.DisplayName())
	assert.Equal(t, "Kelana Jaya Line", Route{ID: "KJ", LongName: "Kelana Jaya Line"}.DisplayName())
	assert.Equal(t, "KJ", Route{ID: "KJ"}.DisplayName())
}
