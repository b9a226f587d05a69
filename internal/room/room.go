package room

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/arcade-sync/internal/protocol"
	"github.com/koopa0/arcade-sync/internal/statesync"
	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
)

// Status 房間狀態
//
// 狀態只能往前走：
//
//	waiting → playing → finished
//
// 遊戲開始後不能再加入，結束後不能重新開始（要開新房間）。
type Status string

const (
	StatusWaiting  Status = "waiting"  // 等待玩家加入
	StatusPlaying  Status = "playing"  // 遊戲進行中
	StatusFinished Status = "finished" // 遊戲結束
)

// rank 用於檢查狀態單調性
func (s Status) rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusPlaying:
		return 1
	case StatusFinished:
		return 2
	default:
		return -1
	}
}

// Valid 是否為已知狀態
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// PlayerSlot 房間中的玩家
type PlayerSlot struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	IsReady   bool               `json:"isReady"`
	IsHost    bool               `json:"isHost"`
	Score     int                `json:"score"`
	Position  statesync.Position `json:"position"`
	Alive     bool               `json:"alive"`
	JoinedAt  time.Time          `json:"joinedAt"`
	UpdatedAt time.Time          `json:"updatedAt"`

	// JoinSeq 加入順序，房主轉移時取最小者
	JoinSeq uint64 `json:"-"`
}

// SyncState 轉成同步器需要的玩家資料
func (p PlayerSlot) SyncState() statesync.Player {
	return statesync.Player{ID: p.ID, Position: p.Position, Score: p.Score}
}

// Room 房間快照
//
// Registry 回傳的都是複本，呼叫端可以自由讀取而不需要鎖。
type Room struct {
	ID            string                `json:"id"`
	HostID        string                `json:"hostId"`
	Players       map[string]PlayerSlot `json:"players"`
	MaxPlayers    int                   `json:"maxPlayers"`
	Status        Status                `json:"status"`
	CreatedAt     time.Time             `json:"createdAt"`
	GameStartTime time.Time             `json:"gameStartTime,omitzero"`
	EndedAt       time.Time             `json:"endedAt,omitzero"`
	WinnerID      string                `json:"winnerId,omitempty"`

	// Version 玩家狀態每次變動都會遞增，同步迴圈用來判斷是否需要送出
	Version uint64 `json:"-"`
}

// PlayerCount 玩家數
func (r Room) PlayerCount() int {
	return len(r.Players)
}

// IsFull 是否已滿
func (r Room) IsFull() bool {
	return len(r.Players) >= r.MaxPlayers
}

// IsJoinable 等待中且未滿
func (r Room) IsJoinable() bool {
	return r.Status == StatusWaiting && !r.IsFull()
}

// OrderedPlayers 依加入順序排列的玩家
func (r Room) OrderedPlayers() []PlayerSlot {
	players := make([]PlayerSlot, 0, len(r.Players))
	for _, p := range r.Players {
		players = append(players, p)
	}
	slices.SortFunc(players, func(a, b PlayerSlot) int {
		return cmp.Compare(a.JoinSeq, b.JoinSeq)
	})
	return players
}

// PlayerIDs 依加入順序的玩家 ID
func (r Room) PlayerIDs() []string {
	ordered := r.OrderedPlayers()
	ids := make([]string, len(ordered))
	for i, p := range ordered {
		ids[i] = p.ID
	}
	return ids
}

// AliveCount 尚未出局的玩家數
func (r Room) AliveCount() int {
	n := 0
	for _, p := range r.Players {
		if p.Alive {
			n++
		}
	}
	return n
}

// Scores 依加入順序的分數表
func (r Room) Scores() []protocol.PlayerScore {
	ordered := r.OrderedPlayers()
	scores := make([]protocol.PlayerScore, len(ordered))
	for i, p := range ordered {
		scores[i] = protocol.PlayerScore{PlayerID: p.ID, Score: p.Score}
	}
	return scores
}

// DecideWinner 決定勝者
//
// 最高分者勝；同分時存活者優先，再同則取較早加入者。房間沒人時返回空字串。
func (r Room) DecideWinner() string {
	var winner *PlayerSlot
	for _, p := range r.OrderedPlayers() {
		if winner == nil || beats(p, *winner) {
			winner = &p
		}
	}
	if winner == nil {
		return ""
	}
	return winner.ID
}

func beats(a, b PlayerSlot) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Alive && !b.Alive
}

// State 轉成 room-state 事件的 payload
func (r Room) State() protocol.RoomStatePayload {
	ordered := r.OrderedPlayers()
	players := make([]protocol.PlayerInfo, len(ordered))
	for i, p := range ordered {
		players[i] = protocol.PlayerInfo{
			ID:      p.ID,
			Name:    p.Name,
			IsHost:  p.IsHost,
			IsReady: p.IsReady,
			Score:   p.Score,
		}
	}
	state := protocol.RoomStatePayload{
		RoomID:     r.ID,
		HostID:     r.HostID,
		Status:     string(r.Status),
		MaxPlayers: r.MaxPlayers,
		Players:    players,
		CreatedAt:  r.CreatedAt.UnixMilli(),
	}
	if !r.GameStartTime.IsZero() {
		state.GameStartTime = r.GameStartTime.UnixMilli()
	}
	return state
}

// entry 房間的可變狀態，所有欄位由 mu 保護
type entry struct {
	mu      sync.Mutex
	room    Room
	removed bool // 已從 registry 移除，之後的操作一律視為不存在
}

func newEntry(id string, maxPlayers int, now time.Time) *entry {
	return &entry{
		room: Room{
			ID:         id,
			Players:    make(map[string]PlayerSlot),
			MaxPlayers: maxPlayers,
			Status:     StatusWaiting,
			CreatedAt:  now,
		},
	}
}

// snapshot 複製房間（需持有鎖）
func (e *entry) snapshot() Room {
	r := e.room
	r.Players = make(map[string]PlayerSlot, len(e.room.Players))
	for id, p := range e.room.Players {
		r.Players[id] = p
	}
	return r
}

// setStatus 狀態只能前進
func (e *entry) setStatus(next Status) error {
	if next.rank() <= e.room.Status.rank() {
		return apperrors.ErrInvalidState.WithDetails(string(e.room.Status) + " -> " + string(next))
	}
	e.room.Status = next
	return nil
}

// add 加入玩家（需持有鎖）
func (e *entry) add(p PlayerSlot) error {
	if e.removed {
		return apperrors.ErrRoomNotFound.WithDetails(e.room.ID)
	}
	if e.room.Status != StatusWaiting {
		return apperrors.ErrRoomInProgress.WithDetails(e.room.ID)
	}
	if _, exists := e.room.Players[p.ID]; exists {
		return apperrors.ErrAlreadyInRoom.WithDetails(e.room.ID)
	}
	if len(e.room.Players) >= e.room.MaxPlayers {
		return apperrors.ErrRoomFull.WithDetails(e.room.ID)
	}

	// 第一個玩家成為房主
	if len(e.room.Players) == 0 {
		p.IsHost = true
		e.room.HostID = p.ID
	}
	e.room.Players[p.ID] = p
	e.room.Version++
	return nil
}

// remove 移除玩家並在必要時轉移房主（需持有鎖），返回新房主 ID
func (e *entry) remove(playerID string) (string, error) {
	if e.removed {
		return "", apperrors.ErrRoomNotFound.WithDetails(e.room.ID)
	}
	p, exists := e.room.Players[playerID]
	if !exists {
		return "", apperrors.ErrPlayerNotInRoom.WithDetails(playerID)
	}
	delete(e.room.Players, playerID)
	e.room.Version++

	if !p.IsHost {
		return "", nil
	}

	e.room.HostID = ""
	var next *PlayerSlot
	for _, candidate := range e.room.Players {
		if next == nil || candidate.JoinSeq < next.JoinSeq {
			next = &candidate
		}
	}
	if next == nil {
		return "", nil
	}
	next.IsHost = true
	e.room.Players[next.ID] = *next
	e.room.HostID = next.ID
	return next.ID, nil
}

// player 取得玩家（需持有鎖）
func (e *entry) player(playerID string) (PlayerSlot, error) {
	if e.removed {
		return PlayerSlot{}, apperrors.ErrRoomNotFound.WithDetails(e.room.ID)
	}
	p, ok := e.room.Players[playerID]
	if !ok {
		return PlayerSlot{}, apperrors.ErrPlayerNotInRoom.WithDetails(playerID)
	}
	return p, nil
}
