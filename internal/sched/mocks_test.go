package sched

import "github.com/stretchr/testify/mock"

// mockScheduler lets swap tests fail individual protocol steps.
type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) Name() string { return "mock" }

func (m *mockScheduler) Init() error {
	return m.Called().Error(0)
}

func (m *mockScheduler) Schedule(tasks []Task) (uint32, error) {
	args := m.Called(tasks)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *mockScheduler) AddTask(t Task) error {
	return m.Called(t).Error(0)
}

func (m *mockScheduler) RemoveTask(id uint32) error {
	return m.Called(id).Error(0)
}

func (m *mockScheduler) SetTaskState(id uint32, s State) error {
	return m.Called(id, s).Error(0)
}

func (m *mockScheduler) Tasks() []Task {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.([]Task)
	}
	return nil
}

func (m *mockScheduler) State() ([]byte, error) {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockScheduler) SetState(buf []byte) error {
	return m.Called(buf).Error(0)
}

func (m *mockScheduler) PrepareSwap() error {
	return m.Called().Error(0)
}

func (m *mockScheduler) FinalizeSwap() error {
	return m.Called().Error(0)
}
