package listener

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type mockListener struct {
	id       string
	startErr error
	stopErr  error
	started  bool
	stopped  bool
}

func (m *mockListener) ID() string       { return m.id }
func (m *mockListener) Protocol() string { return "mock" }
func (m *mockListener) Addr() string     { return ":0" }
func (m *mockListener) Start(ctx context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}
func (m *mockListener) Stop(ctx context.Context) error {
	m.stopped = true
	return m.stopErr
}

func TestManagerAdd(t *testing.T) {
	m := NewManager(zap.NewNop())

	l := &mockListener{id: "test1"}
	if err := m.Add(l); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := m.Add(l); err == nil {
		t.Error("Add should fail for duplicate listener ID")
	}
	if got, ok := m.Get("test1"); !ok || got.ID() != "test1" {
		t.Errorf("Get(test1) = %v, %v", got, ok)
	}
	if _, ok := m.Get("nonexistent"); ok {
		t.Error("Get should return false for non-existent listener")
	}
}

func TestManagerList(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Add(&mockListener{id: "l2"})
	m.Add(&mockListener{id: "l1"})

	ids := m.List()
	if len(ids) != 2 || ids[0] != "l1" || ids[1] != "l2" {
		t.Errorf("List() = %v", ids)
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d", m.Count())
	}
}

func TestManagerStartStop(t *testing.T) {
	m := NewManager(zap.NewNop())
	l1 := &mockListener{id: "l1"}
	l2 := &mockListener{id: "l2"}
	m.Add(l1)
	m.Add(l2)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}
	if !l1.started || !l2.started {
		t.Error("all listeners should be started")
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}
	if !l1.stopped || !l2.stopped {
		t.Error("all listeners should be stopped")
	}
}

func TestManagerStartAllRollsBack(t *testing.T) {
	m := NewManager(zap.NewNop())
	good := &mockListener{id: "a"}
	bad := &mockListener{id: "b", startErr: errors.New("start failed")}
	m.Add(good)
	m.Add(bad)

	err := m.StartAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "start failed") {
		t.Fatalf("StartAll error = %v", err)
	}
	if !good.stopped {
		t.Error("listener started before the failure should be stopped")
	}
}

func TestManagerStopAllWithErrors(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Add(&mockListener{id: "good"})
	m.Add(&mockListener{id: "bad", stopErr: errors.New("stop failed")})

	err := m.StopAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "stop failed") {
		t.Fatalf("StopAll error = %v", err)
	}
}

func TestManagerEmpty(t *testing.T) {
	m := NewManager(zap.NewNop())
	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll with no listeners: %v", err)
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Errorf("StopAll with no listeners: %v", err)
	}
}
