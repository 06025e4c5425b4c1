// Package scheduler decides which personas speak in a turn and in what
// order. NextTurn is a pure function of (personas, state, input, seed);
// the seed is exposed so tests can pin the noise term.
package scheduler

import (
	"math/rand"
	"sort"
	"strings"
)

// 打分常数
const (
	mentionBoost     = 100.0
	sinceLastWeight  = 0.05
	replyBoost       = 0.15
	replyThreshold   = 0.4
	freshBoost       = 0.2
	freshThreshold   = 0.6
	noiseAmplitude   = 0.1
	cooldownPenalty  = 0.6
	consecutiveRate  = 0.3
	cooldownTurns    = 2
	neverSpokeTurn   = -10
	maxContextTags   = 16
)

// PersonaInfo 调度所需的 persona 视图。
type PersonaInfo struct {
	ID               uint
	Handle           string
	Proactivity      float64
	MaxAgentsPerTurn int
	IsDefault        bool
}

// State 每会话的易失调度状态。进程重启后惰性重建。
type State struct {
	TurnCount     int
	LastSpeaker   string
	Consecutive   map[string]int
	CooldownUntil map[string]int
	LastSpokeTurn map[string]int
	// ContextTags 最近的 @ 提及与显式 target（最多 16 条）；不收集消息关键词
	ContextTags []string
}

// NewState 创建空调度状态。
func NewState() *State {
	return &State{
		Consecutive:   make(map[string]int),
		CooldownUntil: make(map[string]int),
		LastSpokeTurn: make(map[string]int),
	}
}

// Input 一次调度的输入。
type Input struct {
	// Message 触发本轮的消息文本
	Message string
	// IsUserMessage 是否是新的用户消息（而非 Agent 之间的接话）
	IsUserMessage bool
	// TargetPersonas 显式指定的发言者，覆盖 @ 提及解析
	TargetPersonas []string
	// Seed 噪声项的随机种子
	Seed int64
}

// NextTurn 决定本轮发言的 persona 及顺序。
// 相同 (personas, state, input) 与相同 seed 下结果确定。
func NextTurn(personas []PersonaInfo, state *State, in Input) []PersonaInfo {
	if len(personas) == 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(in.Seed))

	byHandle := make(map[string]PersonaInfo, len(personas))
	for _, p := range personas {
		byHandle[p.Handle] = p
	}

	// 显式 target 覆盖提及解析
	mentions := in.TargetPersonas
	if len(mentions) == 0 {
		mentions = Mentions(in.Message, personas)
	}
	mentioned := make(map[string]bool, len(mentions))
	orderedMentions := make([]PersonaInfo, 0, len(mentions))
	for _, handle := range mentions {
		p, ok := byHandle[handle]
		if !ok || mentioned[handle] {
			continue
		}
		mentioned[handle] = true
		orderedMentions = append(orderedMentions, p)
	}

	// 打分（稳定顺序遍历，保证噪声可复现）
	type scored struct {
		persona PersonaInfo
		score   float64
	}
	scores := make([]scored, 0, len(personas))
	for _, p := range personas {
		score := p.Proactivity

		if mentioned[p.Handle] {
			score += mentionBoost
		}

		lastSpoke, ok := state.LastSpokeTurn[p.Handle]
		if !ok {
			lastSpoke = neverSpokeTurn
		}
		score += sinceLastWeight * float64(state.TurnCount-lastSpoke)

		if state.LastSpeaker != "" && state.LastSpeaker != p.Handle && p.Proactivity >= replyThreshold {
			score += replyBoost
		}

		if in.IsUserMessage && p.Proactivity >= freshThreshold {
			score += freshBoost
		}

		score += rng.Float64()*2*noiseAmplitude - noiseAmplitude

		if state.CooldownUntil[p.Handle] > state.TurnCount {
			score -= cooldownPenalty
		}

		score -= consecutiveRate * float64(state.Consecutive[p.Handle])

		scores = append(scores, scored{persona: p, score: score})
	}

	// 选择：被 @ 的全部入选，按提及顺序
	selected := make([]PersonaInfo, 0, len(personas))
	selected = append(selected, orderedMentions...)

	limit := maxAgentsLimit(personas)

	// 剩余名额按分数降序补齐，只取非负分
	if len(selected) < limit {
		sort.SliceStable(scores, func(i, j int) bool {
			return scores[i].score > scores[j].score
		})
		for _, c := range scores {
			if len(selected) >= limit {
				break
			}
			if mentioned[c.persona.Handle] {
				continue
			}
			if c.score < 0 {
				continue
			}
			selected = append(selected, c.persona)
		}
	}

	// 无人入选且无提及：回退到默认 persona
	if len(selected) == 0 {
		for _, p := range personas {
			if p.IsDefault {
				selected = append(selected, p)
				break
			}
		}
	}

	updateState(state, selected, mentions)
	return selected
}

// updateState 依次应用选择后的状态更新。
func updateState(state *State, selected []PersonaInfo, mentions []string) {
	state.TurnCount++

	selectedSet := make(map[string]bool, len(selected))
	for _, p := range selected {
		selectedSet[p.Handle] = true
	}
	for handle := range state.Consecutive {
		if !selectedSet[handle] {
			state.Consecutive[handle] = 0
		}
	}
	for _, p := range selected {
		state.Consecutive[p.Handle]++
		state.LastSpokeTurn[p.Handle] = state.TurnCount - 1
		state.CooldownUntil[p.Handle] = state.TurnCount + cooldownTurns
	}
	if len(selected) > 0 {
		state.LastSpeaker = selected[len(selected)-1].Handle
	}

	state.ContextTags = append(state.ContextTags, mentions...)
	if len(state.ContextTags) > maxContextTags {
		state.ContextTags = state.ContextTags[len(state.ContextTags)-maxContextTags:]
	}
}

// maxAgentsLimit 取候选 persona 中 max_agents_per_turn 的最大值，至少 1。
func maxAgentsLimit(personas []PersonaInfo) int {
	limit := 1
	for _, p := range personas {
		if p.MaxAgentsPerTurn > limit {
			limit = p.MaxAgentsPerTurn
		}
	}
	return limit
}

// Mentions 按出现顺序解析消息中的 @handle 提及。
// 只返回确实存在的 persona handle，保序去重。
func Mentions(message string, personas []PersonaInfo) []string {
	known := make(map[string]bool, len(personas))
	for _, p := range personas {
		known[p.Handle] = true
	}

	var out []string
	seen := make(map[string]bool)
	fields := strings.FieldsFunc(message, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ',' || r == '，' || r == ';' || r == '；'
	})
	for _, f := range fields {
		if !strings.HasPrefix(f, "@") {
			continue
		}
		handle := strings.TrimFunc(strings.TrimPrefix(f, "@"), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_')
		})
		handle = strings.ToLower(handle)
		if handle == "" || !known[handle] || seen[handle] {
			continue
		}
		seen[handle] = true
		out = append(out, handle)
	}
	return out
}
