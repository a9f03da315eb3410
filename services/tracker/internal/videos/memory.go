package videos

import (
	"context"
	"sync"
)

type Memory struct {
	mu     sync.RWMutex
	videos map[string]Video
}

func NewMemory(vids ...Video) *Memory {
	m := &Memory{videos: make(map[string]Video, len(vids))}
	for _, v := range vids {
		m.videos[v.ID] = v
	}
	return m
}

func (m *Memory) Get(_ context.Context, id string) (Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[id]
	if !ok {
		return Video{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) Put(_ context.Context, v Video) error {
	if err := v.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos[v.ID] = v
	return nil
}
