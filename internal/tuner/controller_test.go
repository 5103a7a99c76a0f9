package tuner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/tsengine/internal/cache"
	"github.com/snapetech/tsengine/internal/dispatch"
	"github.com/snapetech/tsengine/internal/eventbus"
	"github.com/snapetech/tsengine/internal/model"
	"github.com/snapetech/tsengine/internal/reader"
	"github.com/snapetech/tsengine/internal/servicefilter"
	"github.com/snapetech/tsengine/internal/tserr"
	"github.com/snapetech/tsengine/internal/tspacket"
)

// fakeSrc never blocks and never errors, letting the reader's enable
// loop cycle freely without a real DVR device behind it.
type fakeSrc struct{}

func (fakeSrc) Read(p []byte) (int, error) { return 0, nil }

type memSink struct{}

func (memSink) OutputPacket(tspacket.Packet) error   { return nil }
func (memSink) OutputBlock([]byte) error             { return nil }
func (memSink) ReserveHeaderSpace(int) error         { return nil }
func (memSink) SetHeader([][]byte) error             { return nil }
func (memSink) Close() error                         { return nil }

type fakeStore struct {
	mu       sync.Mutex
	muxes    map[int64]*model.Multiplex
	services map[int64]map[uint16]*model.Service
	programs map[int64]map[uint16]*model.ProgramInfo
	deleted  []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		muxes:    map[int64]*model.Multiplex{},
		services: map[int64]map[uint16]*model.Service{},
		programs: map[int64]map[uint16]*model.ProgramInfo{},
	}
}

func (s *fakeStore) FindMultiplexByUID(ctx context.Context, uid int64) (*model.Multiplex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.muxes[uid]
	if !ok {
		return nil, tserr.ErrNotFound
	}
	return m, nil
}

func (s *fakeStore) FindMultiplexByIDs(ctx context.Context, netID, tsID uint16) (*model.Multiplex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.muxes {
		if m.NetworkID == netID && m.TransportStreamID == tsID {
			return m, nil
		}
	}
	return nil, tserr.ErrNotFound
}

func (s *fakeStore) AddMultiplex(ctx context.Context, m *model.Multiplex) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muxes[m.UID] = m
	return m.UID, nil
}

func (s *fakeStore) UpdateMultiplex(ctx context.Context, m *model.Multiplex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muxes[m.UID] = m
	return nil
}

func (s *fakeStore) DeleteMultiplex(ctx context.Context, uid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.muxes, uid)
	s.deleted = append(s.deleted, uid)
	return nil
}

func (s *fakeStore) EnumerateMultiplexes(ctx context.Context) ([]*model.Multiplex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Multiplex, 0, len(s.muxes))
	for _, m := range s.muxes {
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) ServicesForMultiplex(ctx context.Context, muxUID int64) ([]*model.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Service, 0)
	for _, svc := range s.services[muxUID] {
		out = append(out, svc)
	}
	return out, nil
}

func (s *fakeStore) UpsertService(ctx context.Context, svc *model.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.services[svc.MultiplexUID] == nil {
		s.services[svc.MultiplexUID] = map[uint16]*model.Service{}
	}
	s.services[svc.MultiplexUID][svc.ServiceID] = svc
	return nil
}

func (s *fakeStore) DeleteService(ctx context.Context, muxUID int64, serviceID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services[muxUID], serviceID)
	return nil
}

func (s *fakeStore) ProgramInfo(ctx context.Context, muxUID int64, serviceID uint16) (*model.ProgramInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.programs[muxUID][serviceID], nil
}

func (s *fakeStore) SetProgramInfo(ctx context.Context, muxUID int64, serviceID uint16, info *model.ProgramInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.programs[muxUID] == nil {
		s.programs[muxUID] = map[uint16]*model.ProgramInfo{}
	}
	s.programs[muxUID][serviceID] = info
	return nil
}

func (s *fakeStore) Close() error { return nil }

type fakeFrontEnd struct {
	mu        sync.Mutex
	locked    bool
	tuneErr   error
	tuneCalls int
}

func (f *fakeFrontEnd) Tune(ctx context.Context, mux *model.Multiplex) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tuneCalls++
	return f.tuneErr
}

func (f *fakeFrontEnd) Status(ctx context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{Locked: f.locked}, nil
}

func newTestController(t *testing.T, fe *fakeFrontEnd, st *fakeStore) (*Controller, *eventbus.Bus) {
	t.Helper()
	disp := dispatch.New(nil)
	rdr := reader.New(fakeSrc{}, disp, nil, 0)
	go rdr.Run()
	t.Cleanup(rdr.Quit)

	cch := cache.New(st)
	prim := servicefilter.New(memSink{}, false)
	bus := eventbus.New()
	ctrl := New(fe, rdr, disp, cch, st, prim, bus, nil)
	ctrl.PollInterval = time.Millisecond
	return ctrl, bus
}

func TestController_retuneToNewMultiplex(t *testing.T) {
	st := newFakeStore()
	mux := &model.Multiplex{UID: 1, NetworkID: 1, TransportStreamID: 1, NetworkIDKnown: true, TransportStreamIDKnown: true, PATVersion: -1}
	st.muxes[1] = mux
	st.services[1] = map[uint16]*model.Service{
		0x64: {MultiplexUID: 1, ServiceID: 0x64, PMTPID: 0x200, PCRPID: 0x200, PMTVersion: -1},
	}

	fe := &fakeFrontEnd{locked: true}
	ctrl, bus := newTestController(t, fe, st)

	var events []string
	bus.RegisterGlobal(func(name string, payload any) { events = append(events, name) })

	if err := ctrl.SetCurrentService(context.Background(), mux, 0x64); err != nil {
		t.Fatalf("SetCurrentService: %v", err)
	}
	if fe.tuneCalls != 1 {
		t.Fatalf("expected 1 tune call, got %d", fe.tuneCalls)
	}
	if ctrl.CurrentMultiplex() == nil || ctrl.CurrentMultiplex().UID != 1 {
		t.Fatalf("current multiplex not adopted: %v", ctrl.CurrentMultiplex())
	}
	if ctrl.CurrentService() == nil || ctrl.CurrentService().ServiceID != 0x64 {
		t.Fatalf("current service not adopted: %v", ctrl.CurrentService())
	}
	foundMux, foundSvc := false, false
	for _, e := range events {
		if e == "tuning.multiplex_changed" {
			foundMux = true
		}
		if e == "tuning.service_changed" {
			foundSvc = true
		}
	}
	if !foundMux || !foundSvc {
		t.Fatalf("expected both change events, got %v", events)
	}
}

func TestController_sameMultiplexRetargetsWithoutRetune(t *testing.T) {
	st := newFakeStore()
	mux := &model.Multiplex{UID: 1, NetworkID: 1, TransportStreamID: 1, NetworkIDKnown: true, TransportStreamIDKnown: true, PATVersion: -1}
	st.muxes[1] = mux
	st.services[1] = map[uint16]*model.Service{
		0x64: {MultiplexUID: 1, ServiceID: 0x64, PMTPID: 0x200, PMTVersion: -1},
		0x65: {MultiplexUID: 1, ServiceID: 0x65, PMTPID: 0x300, PMTVersion: -1},
	}

	fe := &fakeFrontEnd{locked: true}
	ctrl, bus := newTestController(t, fe, st)

	if err := ctrl.SetCurrentService(context.Background(), mux, 0x64); err != nil {
		t.Fatalf("initial SetCurrentService: %v", err)
	}
	if fe.tuneCalls != 1 {
		t.Fatalf("expected 1 tune call after initial select, got %d", fe.tuneCalls)
	}

	var events []string
	bus.RegisterGlobal(func(name string, payload any) { events = append(events, name) })

	if err := ctrl.SetCurrentService(context.Background(), mux, 0x65); err != nil {
		t.Fatalf("retarget SetCurrentService: %v", err)
	}
	if fe.tuneCalls != 1 {
		t.Fatalf("expected no additional tune call on same-multiplex retarget, got %d total", fe.tuneCalls)
	}
	if ctrl.CurrentService().ServiceID != 0x65 {
		t.Fatalf("expected current service 0x65, got %v", ctrl.CurrentService())
	}
	for _, e := range events {
		if e == "tuning.multiplex_changed" {
			t.Fatal("did not expect multiplex_changed on a same-multiplex retarget")
		}
	}
}

func TestController_lockTimeoutRemovesFailedMultiplex(t *testing.T) {
	st := newFakeStore()
	mux := &model.Multiplex{UID: 7, NetworkID: 2, TransportStreamID: 2, NetworkIDKnown: true, TransportStreamIDKnown: true, PATVersion: -1}
	st.muxes[7] = mux
	st.services[7] = map[uint16]*model.Service{0x1: {MultiplexUID: 7, ServiceID: 0x1, PMTVersion: -1}}

	fe := &fakeFrontEnd{locked: false}
	ctrl, _ := newTestController(t, fe, st)
	ctrl.LockTimeout = 20 * time.Millisecond
	ctrl.RemoveFailedFrequencies = true

	err := ctrl.SetCurrentService(context.Background(), mux, 0x1)
	if err == nil {
		t.Fatal("expected tune timeout error")
	}
	var timeoutErr *tserr.Timeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected a *tserr.Timeout in the chain, got %v", err)
	}
	if len(st.deleted) != 1 || st.deleted[0] != 7 {
		t.Fatalf("expected multiplex 7 to be deleted, got %v", st.deleted)
	}
}

func TestController_lockedRejectsSetCurrentService(t *testing.T) {
	st := newFakeStore()
	mux := &model.Multiplex{UID: 1, NetworkID: 1, TransportStreamID: 1, NetworkIDKnown: true, TransportStreamIDKnown: true, PATVersion: -1}
	st.muxes[1] = mux
	st.services[1] = map[uint16]*model.Service{0x64: {MultiplexUID: 1, ServiceID: 0x64, PMTVersion: -1}}

	fe := &fakeFrontEnd{locked: true}
	ctrl, _ := newTestController(t, fe, st)

	ctrl.LockService()
	err := ctrl.SetCurrentService(context.Background(), mux, 0x64)
	if !errors.Is(err, tserr.ErrBusy) {
		t.Fatalf("expected ErrBusy while locked, got %v", err)
	}

	ctrl.UnlockService()
	if err := ctrl.SetCurrentService(context.Background(), mux, 0x64); err != nil {
		t.Fatalf("expected success after unlock, got %v", err)
	}
}
