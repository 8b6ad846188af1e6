package service

import (
	"sort"

	"github.com/Njuhobby/0xElite/internal/model"
)

// SequenceOutcome 事件进入排序器的结果
type SequenceOutcome int

const (
	SequenceQueued    SequenceOutcome = iota // 进入待处理队列
	SequenceDuplicate                        // 已在队列中或已放行
	SequenceStale                            // 位置早于已放行的事件, 丢弃
	SequenceDropped                          // 被重组移除, 尚未放行, 直接丢弃
	SequenceReorged                          // 被重组移除, 但已经放行应用过
)

// String 返回结果名称
func (o SequenceOutcome) String() string {
	switch o {
	case SequenceQueued:
		return "queued"
	case SequenceDuplicate:
		return "duplicate"
	case SequenceStale:
		return "stale"
	case SequenceDropped:
		return "dropped"
	case SequenceReorged:
		return "reorged"
	default:
		return "unknown"
	}
}

// defaultSequencerRetain 已放行事件的记忆窗口 (区块数)
const defaultSequencerRetain = 256

// Sequencer 实时模式排序器.
// 订阅与轮询两路事件都先进入这里: 按 (txHash, logIndex) 去重, 按 (block, logIndex) 排序,
// 只有调用方确认某高度以内的日志已完整拉取后才放行. 非并发安全, 由单个监听循环独占.
type Sequencer struct {
	pending  map[string]model.RawEvent
	released map[string]uint64 // key -> block
	last     model.EventPosition
	hasLast  bool
	retain   uint64
}

// NewSequencer 创建排序器
func NewSequencer(retain uint64) *Sequencer {
	if retain == 0 {
		retain = defaultSequencerRetain
	}
	return &Sequencer{
		pending:  make(map[string]model.RawEvent),
		released: make(map[string]uint64),
		retain:   retain,
	}
}

// Add 加入一条日志
func (s *Sequencer) Add(ev model.RawEvent) SequenceOutcome {
	key := ev.Key()

	if ev.Removed {
		if _, ok := s.pending[key]; ok {
			delete(s.pending, key)
			return SequenceDropped
		}
		if _, ok := s.released[key]; ok {
			delete(s.released, key)
			return SequenceReorged
		}
		return SequenceDropped
	}

	if _, ok := s.pending[key]; ok {
		return SequenceDuplicate
	}
	if _, ok := s.released[key]; ok {
		return SequenceDuplicate
	}
	if s.hasLast && !s.last.Less(ev.Position()) {
		return SequenceStale
	}
	s.pending[key] = ev
	return SequenceQueued
}

// Release 放行区块号 <= through 且出现在 canonical 中的待处理日志, 按链上顺序返回.
// canonical 是 GetLogs 对该区间的完整结果, 以它为准: 只从订阅收到而不在其中的日志
// 视为已被重组移除, 从队列中删除并作为 orphaned 返回, 不会被放行.
func (s *Sequencer) Release(through uint64, canonical []model.RawEvent) (released, orphaned []model.RawEvent) {
	onChain := make(map[string]model.RawEvent, len(canonical))
	for _, ev := range canonical {
		if !ev.Removed && ev.BlockNumber <= through {
			onChain[ev.Key()] = ev
		}
	}

	// 同一日志被重新打包到别的区块时以 canonical 中的位置为准
	for key, ev := range s.pending {
		if c, ok := onChain[key]; ok {
			delete(s.pending, key)
			released = append(released, c)
			continue
		}
		if ev.BlockNumber <= through {
			delete(s.pending, key)
			orphaned = append(orphaned, ev)
		}
	}
	byPosition := func(evs []model.RawEvent) {
		sort.Slice(evs, func(i, j int) bool {
			return evs[i].Position().Less(evs[j].Position())
		})
	}
	byPosition(released)
	byPosition(orphaned)

	for _, ev := range released {
		s.released[ev.Key()] = ev.BlockNumber
	}
	if n := len(released); n > 0 {
		s.last = released[n-1].Position()
		s.hasLast = true
	}
	s.prune(through)
	return released, orphaned
}

// Pending 待处理日志数
func (s *Sequencer) Pending() int {
	return len(s.pending)
}

// Reset 清空状态, 重新进入实时模式时调用
func (s *Sequencer) Reset() {
	s.pending = make(map[string]model.RawEvent)
	s.released = make(map[string]uint64)
	s.last = model.EventPosition{}
	s.hasLast = false
}

func (s *Sequencer) prune(through uint64) {
	if through <= s.retain {
		return
	}
	floor := through - s.retain
	for key, block := range s.released {
		if block < floor {
			delete(s.released, key)
		}
	}
}
