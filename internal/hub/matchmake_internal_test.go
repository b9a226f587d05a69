package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/arcade-sync/internal/room"
	"github.com/koopa0/arcade-sync/pkg/logger"
)

// TestMatchmake_DiscardsRoomWithoutOnlinePlayers 配對到的玩家都沒有本機連線時不留下空房間
func TestMatchmake_DiscardsRoomWithoutOnlinePlayers(t *testing.T) {
	registry := room.NewRegistry(room.DefaultConfig(), logger.Discard())
	h, err := New(registry, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(h.Stop)

	require.NoError(t, registry.AddSearcher(room.Player{ID: "gone-1", Name: "A"}))
	require.NoError(t, registry.AddSearcher(room.Player{ID: "gone-2", Name: "B"}))

	h.matchmake()

	assert.Zero(t, registry.SearcherCount())
	assert.Zero(t, registry.Stats().TotalRooms)
	_, ok := registry.FindAvailableRoom()
	assert.False(t, ok)
}
