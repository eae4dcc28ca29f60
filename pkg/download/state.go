package download

import (
	"fmt"
	"slices"
	"time"
)

// State 下载状态机的状态
type State string

const (
	StateIdle      State = "Idle"
	StateResolving State = "Resolving" // 选择下一个策略
	StateFetching  State = "Fetching"
	StateStreaming State = "Streaming"
	StateBuffering State = "Buffering"
	StateDone      State = "Done"
	StateFailed    State = "Failed"
)

var transitions = map[State][]State{
	StateIdle:      {StateResolving},
	StateResolving: {StateFetching, StateFailed},
	StateFetching:  {StateFetching, StateStreaming, StateBuffering, StateResolving, StateFailed},
	StateBuffering: {StateDone, StateStreaming, StateFetching, StateResolving, StateFailed},
	StateStreaming: {StateDone, StateFailed},
}

// Transition 状态变化记录
type Transition struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	Strategy string    `json:"strategy,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Note     string    `json:"note,omitempty"`
	At       time.Time `json:"at"`
}

type machine struct {
	state State
	log   []Transition
}

func newMachine() *machine {
	return &machine{state: StateIdle}
}

// to 非法转换属于编程错误，直接 panic
func (m *machine) to(next State, strategy string, attempt int, note string) {
	if !slices.Contains(transitions[m.state], next) {
		panic(fmt.Sprintf("download: illegal transition %s -> %s", m.state, next))
	}
	m.log = append(m.log, Transition{
		From:     m.state,
		To:       next,
		Strategy: strategy,
		Attempt:  attempt,
		Note:     note,
		At:       time.Now(),
	})
	m.state = next
}
