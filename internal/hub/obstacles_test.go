package hub_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/arcade-sync/internal/hub"
)

func TestGenerateObstacles(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)

	tests := []struct {
		name     string
		validate func(t *testing.T)
	}{
		{
			name: "same room and start give the same course",
			validate: func(t *testing.T) {
				assert.Equal(t,
					hub.GenerateObstacles("room_1", start, 20),
					hub.GenerateObstacles("room_1", start, 20))
			},
		},
		{
			name: "different rooms differ",
			validate: func(t *testing.T) {
				assert.NotEqual(t,
					hub.GenerateObstacles("room_1", start, 20),
					hub.GenerateObstacles("room_2", start, 20))
			},
		},
		{
			name: "ids sequential and x strictly increasing",
			validate: func(t *testing.T) {
				obs := hub.GenerateObstacles("room_1", start, 50)
				require.Len(t, obs, 50)
				for i, o := range obs {
					assert.Equal(t, i, o.ID)
					assert.NotEmpty(t, o.Kind)
					assert.Positive(t, o.Width)
					assert.Positive(t, o.Height)
					if i > 0 {
						assert.Greater(t, o.X, obs[i-1].X)
					}
				}
			},
		},
		{
			name: "zero count returns empty list",
			validate: func(t *testing.T) {
				obs := hub.GenerateObstacles("room_1", start, 0)
				assert.NotNil(t, obs)
				assert.Empty(t, obs)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.validate)
	}
}
