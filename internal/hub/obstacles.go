package hub

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"

	"github.com/koopa0/arcade-sync/internal/protocol"
)

// 賽道參數（遊戲座標）
const (
	firstObstacleX = 600.0
	minObstacleGap = 250.0
	obstacleJitter = 350.0
)

type obstacleKind struct {
	name          string
	width, height float64
}

var obstacleKinds = []obstacleKind{
	{name: "cactus-small", width: 20, height: 40},
	{name: "cactus-large", width: 30, height: 60},
	{name: "rock", width: 40, height: 25},
	{name: "bird", width: 45, height: 30},
}

// GenerateObstacles 由房間 ID 與開始時間決定的障礙物序列
//
// 同一局的所有玩家（包括其他實例上的）算出同一條賽道。
func GenerateObstacles(roomID string, start time.Time, count int) []protocol.Obstacle {
	if count <= 0 {
		return []protocol.Obstacle{}
	}

	hf := fnv.New64a()
	_, _ = hf.Write([]byte(roomID))
	// #nosec G404 - 賽道只需要可重現，不需要密碼學隨機
	rng := rand.New(rand.NewPCG(hf.Sum64(), uint64(start.UnixMilli())))

	obstacles := make([]protocol.Obstacle, count)
	x := firstObstacleX
	for i := range obstacles {
		kind := obstacleKinds[rng.IntN(len(obstacleKinds))]
		obstacles[i] = protocol.Obstacle{
			ID:     i,
			Kind:   kind.name,
			X:      math.Round(x),
			Width:  kind.width,
			Height: kind.height,
		}
		x += minObstacleGap + rng.Float64()*obstacleJitter
	}
	return obstacles
}
