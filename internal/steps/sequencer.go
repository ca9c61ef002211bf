// Package steps 实现引导向导的步骤状态机。
package steps

import (
	"fmt"
	"strings"
	"sync"
)

// Step 表示向导中的一个阶段。
type Step int

const (
	Main Step = iota
	Username
	Web2Addresses
	Web3Addresses
	Preview
)

var names = [...]string{
	Main:          "main",
	Username:      "username",
	Web2Addresses: "web2_addresses",
	Web3Addresses: "web3_addresses",
	Preview:       "preview",
}

// Steps 返回固定顺序的全部阶段。
func Steps() []Step {
	return []Step{Main, Username, Web2Addresses, Web3Addresses, Preview}
}

// String 返回阶段的名称。
func (s Step) String() string {
	if s < Main || s > Preview {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return names[s]
}

// MarshalText 以名称形式编码阶段。
func (s Step) MarshalText() ([]byte, error) {
	if s < Main || s > Preview {
		return nil, fmt.Errorf("未知的步骤: %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText 解析阶段名称。
func (s *Step) UnmarshalText(text []byte) error {
	parsed, err := ParseStep(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStep 根据名称查找阶段，忽略大小写。
func ParseStep(name string) (Step, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, step := range Steps() {
		if names[step] == normalized {
			return step, nil
		}
	}
	return Main, fmt.Errorf("未知的步骤: %q", name)
}

// Sequencer 是指向固定阶段序列的指针，只能逐步前进或重置。
// 跳转到任意阶段的能力刻意不提供。
type Sequencer struct {
	mu      sync.RWMutex
	current Step
}

// NewSequencer 创建一个位于 Main 阶段的状态机。
func NewSequencer() *Sequencer {
	return &Sequencer{current: Main}
}

// Current 返回当前阶段。
func (s *Sequencer) Current() Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Advance 前进到下一个阶段；位于 Preview 时保持不变。
func (s *Sequencer) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < Preview {
		s.current++
	}
}

// Reset 回到 Main 阶段。
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Main
}
