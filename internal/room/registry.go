// Package room 伺服器端的房間與配對權威狀態。
//
// 鎖的規則：
//   - Registry.mu 保護 rooms / playerRoom / searchers 三張表
//   - 每個房間有自己的 mutex，同一房間的變更依序執行
//   - 兩把鎖永遠不同時持有：跨房間的掃描先在 Registry.mu 下複製房間清單，
//     釋放後再逐一鎖房間
package room

import (
	"cmp"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/arcade-sync/internal/statesync"
	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
)

// 預設值
const (
	DefaultMaxPlayers      = 4
	DefaultMinPlayers      = 2
	DefaultMaxPlayersLimit = 8
)

// Config 房間設定
type Config struct {
	DefaultMaxPlayers int // CreateRoom 傳 0 時使用
	MinPlayers        int // 開始遊戲的最少人數
	MaxPlayersLimit   int // 單一房間上限
}

// DefaultConfig 返回預設設定
func DefaultConfig() Config {
	return Config{
		DefaultMaxPlayers: DefaultMaxPlayers,
		MinPlayers:        DefaultMinPlayers,
		MaxPlayersLimit:   DefaultMaxPlayersLimit,
	}
}

// Player 加入房間的玩家
type Player struct {
	ID   string
	Name string
}

// Searcher 配對池中的玩家
type Searcher struct {
	ID       string
	Name     string
	QueuedAt time.Time
	seq      uint64
}

// LeaveResult 離開房間的結果
type LeaveResult struct {
	Room      Room   // 離開後的房間快照
	NewHostID string // 房主轉移時的新房主
	Removed   bool   // 房間已空並被移除
}

// Stats 統計資訊
type Stats struct {
	TotalRooms   int            `json:"total_rooms"`
	TotalPlayers int            `json:"total_players"`
	Searchers    int            `json:"searchers"`
	ByStatus     map[Status]int `json:"by_status"`
}

// Option Registry 選項
type Option func(*Registry)

// WithClock 注入時鐘
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry 房間註冊表
type Registry struct {
	mu         sync.RWMutex
	rooms      map[string]*entry    // roomID -> entry
	playerRoom map[string]string    // playerID -> roomID
	searchers  map[string]*Searcher // playerID -> searcher

	joinSeq   atomic.Uint64
	searchSeq atomic.Uint64

	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry 建立註冊表
func NewRegistry(cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.DefaultMaxPlayers <= 0 {
		cfg.DefaultMaxPlayers = def.DefaultMaxPlayers
	}
	if cfg.MinPlayers <= 0 {
		cfg.MinPlayers = def.MinPlayers
	}
	if cfg.MaxPlayersLimit <= 0 {
		cfg.MaxPlayersLimit = def.MaxPlayersLimit
	}

	r := &Registry{
		rooms:      make(map[string]*entry),
		playerRoom: make(map[string]string),
		searchers:  make(map[string]*Searcher),
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With("component", "room"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config 目前設定
func (r *Registry) Config() Config {
	return r.cfg
}

// CreateRoom 建立房間，maxPlayers 為 0 時使用預設值
func (r *Registry) CreateRoom(maxPlayers int) (Room, error) {
	if maxPlayers == 0 {
		maxPlayers = r.cfg.DefaultMaxPlayers
	}
	if maxPlayers < 2 || maxPlayers > r.cfg.MaxPlayersLimit {
		return Room{}, apperrors.ErrValidation.WithDetails(
			fmt.Sprintf("max players must be between 2 and %d", r.cfg.MaxPlayersLimit))
	}

	now := r.now()

	r.mu.Lock()
	id := r.generateID(now)
	for r.rooms[id] != nil {
		id = r.generateID(now)
	}
	e := newEntry(id, maxPlayers, now)
	r.rooms[id] = e
	r.mu.Unlock()

	r.logger.Info("room created", "room_id", id, "max_players", maxPlayers)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// generateID 時間戳記 + 隨機後綴
func (r *Registry) generateID(now time.Time) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("room_%d_%d", now.UnixMilli(), r.joinSeq.Add(1))
	}
	return fmt.Sprintf("room_%d_%s", now.UnixMilli(), hex.EncodeToString(b))
}

// lookup 取得房間 entry
func (r *Registry) lookup(roomID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	return e, nil
}

// Join 加入房間
//
// 失敗：ROOM_NOT_FOUND、ROOM_IN_PROGRESS、ROOM_FULL、ALREADY_IN_ROOM。
func (r *Registry) Join(roomID string, p Player) (Room, error) {
	e, err := r.lookup(roomID)
	if err != nil {
		return Room{}, err
	}

	// 先佔住 playerRoom，避免同一玩家同時加入兩個房間
	r.mu.Lock()
	if existing, ok := r.playerRoom[p.ID]; ok {
		r.mu.Unlock()
		return Room{}, apperrors.ErrAlreadyInRoom.WithDetails(existing)
	}
	r.playerRoom[p.ID] = roomID
	r.mu.Unlock()

	now := r.now()
	e.mu.Lock()
	err = e.add(PlayerSlot{
		ID:        p.ID,
		Name:      p.Name,
		Alive:     true,
		JoinedAt:  now,
		UpdatedAt: now,
		JoinSeq:   r.joinSeq.Add(1),
	})
	var snap Room
	if err == nil {
		snap = e.snapshot()
	}
	e.mu.Unlock()

	if err != nil {
		r.release(p.ID, roomID)
		return Room{}, err
	}

	// 加入成功才離開配對池，失敗的玩家仍在排隊
	r.mu.Lock()
	delete(r.searchers, p.ID)
	r.mu.Unlock()

	r.logger.Info("player joined room",
		"room_id", roomID,
		"player_id", p.ID,
		"players", snap.PlayerCount())
	return snap, nil
}

// release 撤銷 playerRoom 紀錄（只在仍指向 roomID 時）
func (r *Registry) release(playerID, roomID string) {
	r.mu.Lock()
	if r.playerRoom[playerID] == roomID {
		delete(r.playerRoom, playerID)
	}
	r.mu.Unlock()
}

// Leave 離開房間
//
// 房主離開時由最早加入的玩家接任；最後一人離開時房間立即移除。
func (r *Registry) Leave(roomID, playerID string) (LeaveResult, error) {
	e, err := r.lookup(roomID)
	if err != nil {
		return LeaveResult{}, err
	}

	e.mu.Lock()
	newHost, err := e.remove(playerID)
	if err != nil {
		e.mu.Unlock()
		return LeaveResult{}, err
	}
	empty := len(e.room.Players) == 0
	if empty {
		e.removed = true
	}
	snap := e.snapshot()
	e.mu.Unlock()

	r.mu.Lock()
	if r.playerRoom[playerID] == roomID {
		delete(r.playerRoom, playerID)
	}
	if empty && r.rooms[roomID] == e {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	r.logger.Info("player left room",
		"room_id", roomID,
		"player_id", playerID,
		"new_host", newHost,
		"removed", empty)

	return LeaveResult{Room: snap, NewHostID: newHost, Removed: empty}, nil
}

// LeaveAny 離開玩家目前所在的房間
func (r *Registry) LeaveAny(playerID string) (LeaveResult, bool, error) {
	roomID, ok := r.PlayerRoom(playerID)
	if !ok {
		return LeaveResult{}, false, nil
	}
	res, err := r.Leave(roomID, playerID)
	return res, err == nil, err
}

// StartGame 開始遊戲：只能從 waiting 開始，且人數需達到 MinPlayers
func (r *Registry) StartGame(roomID string) (Room, error) {
	return r.start(roomID, "")
}

// StartGameAs 與 StartGame 相同，但只允許房主
func (r *Registry) StartGameAs(roomID, playerID string) (Room, error) {
	return r.start(roomID, playerID)
}

func (r *Registry) start(roomID, requester string) (Room, error) {
	e, err := r.lookup(roomID)
	if err != nil {
		return Room{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return Room{}, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	if requester != "" {
		if _, ok := e.room.Players[requester]; !ok {
			return Room{}, apperrors.ErrPlayerNotInRoom.WithDetails(requester)
		}
		if e.room.HostID != requester {
			return Room{}, apperrors.ErrNotHost.WithDetails(requester)
		}
	}
	if e.room.Status != StatusWaiting {
		return Room{}, apperrors.ErrInvalidState.WithDetails(string(e.room.Status) + " -> " + string(StatusPlaying))
	}
	if len(e.room.Players) < r.cfg.MinPlayers {
		return Room{}, apperrors.ErrNotEnoughPlayer.WithDetails(
			fmt.Sprintf("%d/%d", len(e.room.Players), r.cfg.MinPlayers))
	}
	if err := e.setStatus(StatusPlaying); err != nil {
		return Room{}, err
	}

	now := r.now()
	e.room.GameStartTime = now
	for id, p := range e.room.Players {
		p.Alive = true
		p.Score = 0
		p.UpdatedAt = now
		e.room.Players[id] = p
	}
	e.room.Version++

	r.logger.Info("game started", "room_id", roomID, "players", len(e.room.Players))
	return e.snapshot(), nil
}

// EndGame 結束遊戲：只能從 playing 結束
//
// scores 中的分數會覆寫玩家目前分數，不在房間內的玩家被忽略。
func (r *Registry) EndGame(roomID, winnerID string, scores map[string]int) (Room, error) {
	for id, s := range scores {
		if s < 0 {
			return Room{}, apperrors.ErrValidation.WithDetails("negative score for " + id)
		}
	}

	e, err := r.lookup(roomID)
	if err != nil {
		return Room{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return Room{}, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	if e.room.Status != StatusPlaying {
		return Room{}, apperrors.ErrInvalidState.WithDetails(string(e.room.Status) + " -> " + string(StatusFinished))
	}
	for id, s := range scores {
		if p, ok := e.room.Players[id]; ok {
			p.Score = s
			e.room.Players[id] = p
		}
	}
	if err := e.setStatus(StatusFinished); err != nil {
		return Room{}, err
	}
	e.room.EndedAt = r.now()
	e.room.WinnerID = winnerID
	e.room.Version++

	r.logger.Info("game ended", "room_id", roomID, "winner_id", winnerID)
	return e.snapshot(), nil
}

// UpdatePosition 更新玩家位置；結束的房間拒絕更新
func (r *Registry) UpdatePosition(roomID, playerID string, pos statesync.Position) error {
	return r.mutatePlayer(roomID, playerID, func(p *PlayerSlot, status Status) error {
		if status == StatusFinished {
			return apperrors.ErrInvalidState.WithDetails("room finished")
		}
		p.Position = pos
		return nil
	})
}

// UpdateScore 更新玩家分數
func (r *Registry) UpdateScore(roomID, playerID string, score int) error {
	if score < 0 {
		return apperrors.ErrValidation.WithDetails("score must be >= 0")
	}
	return r.mutatePlayer(roomID, playerID, func(p *PlayerSlot, status Status) error {
		if status != StatusPlaying {
			return apperrors.ErrInvalidState.WithDetails("room not playing")
		}
		p.Score = score
		return nil
	})
}

// SetReady 設定準備狀態，只在 waiting 時有效
func (r *Registry) SetReady(roomID, playerID string, ready bool) error {
	return r.mutatePlayer(roomID, playerID, func(p *PlayerSlot, status Status) error {
		if status != StatusWaiting {
			return apperrors.ErrInvalidState.WithDetails("room not waiting")
		}
		p.IsReady = ready
		return nil
	})
}

// Eliminate 玩家出局並記錄分數，返回更新後的快照
func (r *Registry) Eliminate(roomID, playerID string, score int) (Room, error) {
	if score < 0 {
		return Room{}, apperrors.ErrValidation.WithDetails("score must be >= 0")
	}
	var snap Room
	err := r.withEntry(roomID, func(e *entry) error {
		p, err := e.player(playerID)
		if err != nil {
			return err
		}
		if e.room.Status != StatusPlaying {
			return apperrors.ErrInvalidState.WithDetails("room not playing")
		}
		p.Alive = false
		p.Score = score
		p.UpdatedAt = r.now()
		e.room.Players[playerID] = p
		e.room.Version++
		snap = e.snapshot()
		return nil
	})
	return snap, err
}

func (r *Registry) withEntry(roomID string, fn func(e *entry) error) error {
	e, err := r.lookup(roomID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e)
}

func (r *Registry) mutatePlayer(roomID, playerID string, fn func(p *PlayerSlot, status Status) error) error {
	return r.withEntry(roomID, func(e *entry) error {
		p, err := e.player(playerID)
		if err != nil {
			return err
		}
		if err := fn(&p, e.room.Status); err != nil {
			return err
		}
		p.UpdatedAt = r.now()
		e.room.Players[playerID] = p
		e.room.Version++
		return nil
	})
}

// GetRoom 取得房間快照
func (r *Registry) GetRoom(roomID string) (Room, error) {
	e, err := r.lookup(roomID)
	if err != nil {
		return Room{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Room{}, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	return e.snapshot(), nil
}

// PlayerRoom 玩家所在的房間
func (r *Registry) PlayerRoom(playerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.playerRoom[playerID]
	return roomID, ok
}

// entries 在 Registry.mu 下複製房間清單
func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*entry, 0, len(r.rooms))
	for _, e := range r.rooms {
		list = append(list, e)
	}
	return list
}

// snapshots 逐一鎖房間取得快照，filter 為 nil 時全部返回
func (r *Registry) snapshots(filter func(Room) bool) []Room {
	var rooms []Room
	for _, e := range r.entries() {
		e.mu.Lock()
		if !e.removed && (filter == nil || filter(e.room)) {
			rooms = append(rooms, e.snapshot())
		}
		e.mu.Unlock()
	}
	return rooms
}

// ListRooms 列出房間，status 為空時列出全部，依建立時間排序
func (r *Registry) ListRooms(status Status) []Room {
	rooms := r.snapshots(func(room Room) bool {
		return status == "" || room.Status == status
	})
	slices.SortFunc(rooms, func(a, b Room) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return rooms
}

// GetAvailableRooms 可加入的房間，人多的排前面
func (r *Registry) GetAvailableRooms() []Room {
	rooms := r.snapshots(Room.IsJoinable)
	slices.SortFunc(rooms, func(a, b Room) int {
		return cmp.Or(
			cmp.Compare(b.PlayerCount(), a.PlayerCount()),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return rooms
}

// FindAvailableRoom 最適合加入的房間：等待中、未滿、人數最多
func (r *Registry) FindAvailableRoom() (Room, bool) {
	rooms := r.GetAvailableRooms()
	if len(rooms) == 0 {
		return Room{}, false
	}
	return rooms[0], true
}

// AddSearcher 進入配對池；已在房間的玩家不能配對，重複加入不改變排隊順序
func (r *Registry) AddSearcher(p Player) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if roomID, ok := r.playerRoom[p.ID]; ok {
		return apperrors.ErrAlreadyInRoom.WithDetails(roomID)
	}
	if _, ok := r.searchers[p.ID]; ok {
		return nil
	}
	r.searchers[p.ID] = &Searcher{
		ID:       p.ID,
		Name:     p.Name,
		QueuedAt: r.now(),
		seq:      r.searchSeq.Add(1),
	}
	return nil
}

// RemoveSearcher 離開配對池
func (r *Registry) RemoveSearcher(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.searchers[playerID]
	delete(r.searchers, playerID)
	return ok
}

// IsSearching 是否在配對池中
func (r *Registry) IsSearching(playerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.searchers[playerID]
	return ok
}

// SearcherCount 配對池人數
func (r *Registry) SearcherCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.searchers)
}

// MatchPlayers 依排隊順序把配對池分成每組剛好 minPlayers 人
//
// 被配對的玩家從池中移除，不足一組的留在池中。
func (r *Registry) MatchPlayers(minPlayers int) [][]Searcher {
	if minPlayers <= 0 {
		minPlayers = r.cfg.MinPlayers
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	queue := make([]*Searcher, 0, len(r.searchers))
	for _, s := range r.searchers {
		// 正在加入房間的玩家
		if _, seated := r.playerRoom[s.ID]; seated {
			continue
		}
		queue = append(queue, s)
	}
	if len(queue) < minPlayers {
		return nil
	}
	slices.SortFunc(queue, func(a, b *Searcher) int {
		return cmp.Compare(a.seq, b.seq)
	})

	var groups [][]Searcher
	for len(queue) >= minPlayers {
		group := make([]Searcher, minPlayers)
		for i, s := range queue[:minPlayers] {
			group[i] = *s
			delete(r.searchers, s.ID)
		}
		groups = append(groups, group)
		queue = queue[minPlayers:]
	}
	return groups
}

// ClearStaleRooms 移除建立超過 maxAge 且不在遊戲中的房間，返回被移除的房間
func (r *Registry) ClearStaleRooms(maxAge time.Duration) []Room {
	now := r.now()

	var removed []Room
	var stale []*entry
	for _, e := range r.entries() {
		e.mu.Lock()
		if !e.removed && e.room.Status != StatusPlaying && now.Sub(e.room.CreatedAt) > maxAge {
			e.removed = true
			removed = append(removed, e.snapshot())
			stale = append(stale, e)
		}
		e.mu.Unlock()
	}
	if len(stale) == 0 {
		return nil
	}

	r.mu.Lock()
	for i, e := range stale {
		room := removed[i]
		if r.rooms[room.ID] == e {
			delete(r.rooms, room.ID)
		}
		for playerID := range room.Players {
			if r.playerRoom[playerID] == room.ID {
				delete(r.playerRoom, playerID)
			}
		}
	}
	r.mu.Unlock()

	for _, room := range removed {
		r.logger.Info("stale room removed",
			"room_id", room.ID,
			"status", room.Status,
			"players", room.PlayerCount())
	}
	return removed
}

// RemoveEmptyRoom 移除沒有玩家的房間；已有人加入時不動
func (r *Registry) RemoveEmptyRoom(roomID string) bool {
	e, err := r.lookup(roomID)
	if err != nil {
		return false
	}

	e.mu.Lock()
	if e.removed || len(e.room.Players) > 0 {
		e.mu.Unlock()
		return false
	}
	e.removed = true
	e.mu.Unlock()

	r.mu.Lock()
	if r.rooms[roomID] == e {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	r.logger.Info("empty room removed", "room_id", roomID)
	return true
}

// Stats 統計資訊
func (r *Registry) Stats() Stats {
	stats := Stats{
		ByStatus:  make(map[Status]int),
		Searchers: r.SearcherCount(),
	}
	for _, room := range r.snapshots(nil) {
		stats.TotalRooms++
		stats.TotalPlayers += room.PlayerCount()
		stats.ByStatus[room.Status]++
	}
	return stats
}
