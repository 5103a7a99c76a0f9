package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/snapetech/tsengine/internal/model"
	"github.com/snapetech/tsengine/internal/store"
	"github.com/snapetech/tsengine/internal/tserr"
)

func newTestCache(t *testing.T) (*Cache, store.Store, int64) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	uid, err := st.AddMultiplex(ctx, &model.Multiplex{
		Delivery:               model.DeliveryDVBT,
		NetworkID:              0x233D,
		NetworkIDKnown:         true,
		TransportStreamID:      0x1001,
		TransportStreamIDKnown: true,
		PATVersion:             -1,
	})
	if err != nil {
		t.Fatalf("AddMultiplex: %v", err)
	}
	if err := st.UpsertService(ctx, &model.Service{MultiplexUID: uid, ServiceID: 0x64, Name: "BBC ONE", SeenInPAT: true, PMTVersion: -1}); err != nil {
		t.Fatalf("UpsertService: %v", err)
	}

	c := New(st)
	mux, err := st.FindMultiplexByUID(ctx, uid)
	if err != nil {
		t.Fatalf("FindMultiplexByUID: %v", err)
	}
	if err := c.Load(ctx, mux); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c, st, uid
}

func TestCache_ServiceFindID(t *testing.T) {
	c, _, _ := newTestCache(t)
	svc, err := c.ServiceFindID(0x64)
	if err != nil || svc.Name != "BBC ONE" {
		t.Fatalf("ServiceFindID = %+v, %v", svc, err)
	}
	if _, err := c.ServiceFindID(0x99); !errors.Is(err, tserr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCache_ServiceFindName(t *testing.T) {
	c, _, _ := newTestCache(t)
	svc, err := c.ServiceFindName("BBC ONE")
	if err != nil || svc.ServiceID != 0x64 {
		t.Fatalf("ServiceFindName = %+v, %v", svc, err)
	}
}

func TestCache_ServiceFind_byFQID(t *testing.T) {
	c, _, _ := newTestCache(t)
	svc, err := c.ServiceFind("233d.1001.0064")
	if err != nil || svc.ServiceID != 0x64 {
		t.Fatalf("ServiceFind = %+v, %v", svc, err)
	}
}

func TestCache_ServicesSnapshot_ordered(t *testing.T) {
	c, _, uid := newTestCache(t)
	c.ServiceAdd(0x1, 0)
	_ = uid
	list := c.ServicesSnapshot()
	if len(list) != 2 || list[0].ServiceID != 0x1 || list[1].ServiceID != 0x64 {
		t.Fatalf("list = %+v", list)
	}
}

func TestCache_UpdateServiceName(t *testing.T) {
	c, _, _ := newTestCache(t)
	if err := c.UpdateServiceName(0x64, "BBC One HD"); err != nil {
		t.Fatalf("UpdateServiceName: %v", err)
	}
	svc, _ := c.ServiceFindID(0x64)
	if svc.Name != "BBC One HD" {
		t.Fatalf("name = %q", svc.Name)
	}
}

func TestCache_ServiceDeleteThenWriteback(t *testing.T) {
	ctx := context.Background()
	c, st, uid := newTestCache(t)
	c.ServiceDelete(0x64)
	if _, err := c.ServiceFindID(0x64); !errors.Is(err, tserr.ErrNotFound) {
		t.Fatalf("expected removed from cache, err=%v", err)
	}
	if err := c.Writeback(ctx); err != nil {
		t.Fatalf("Writeback: %v", err)
	}
	svcs, err := st.ServicesForMultiplex(ctx, uid)
	if err != nil {
		t.Fatalf("ServicesForMultiplex: %v", err)
	}
	if len(svcs) != 0 {
		t.Fatalf("expected store to reflect deletion, got %+v", svcs)
	}
}

func TestCache_UpdateProgramInfoAndWriteback(t *testing.T) {
	ctx := context.Background()
	c, st, uid := newTestCache(t)
	info := &model.ProgramInfo{ServiceID: 0x64, PIDs: []model.PIDInfo{{PID: 0x200, Type: model.StreamTypeMPEG2Video}}}
	c.UpdateProgramInfo(0x64, info)
	got, ok := c.ProgramInfo(0x64)
	if !ok || len(got.PIDs) != 1 {
		t.Fatalf("ProgramInfo = %+v %v", got, ok)
	}
	if err := c.Writeback(ctx); err != nil {
		t.Fatalf("Writeback: %v", err)
	}
	stored, err := st.ProgramInfo(ctx, uid, 0x64)
	if err != nil || stored == nil || len(stored.PIDs) != 1 {
		t.Fatalf("stored = %+v %v", stored, err)
	}
}

func TestCache_ServiceAdd_idempotent(t *testing.T) {
	c, _, _ := newTestCache(t)
	a := c.ServiceAdd(0x55, 1)
	b := c.ServiceAdd(0x55, 2)
	if a != b {
		t.Fatal("expected ServiceAdd to return the existing service on repeat call")
	}
}

func TestCache_UpdateMultiplexAndNetworkID(t *testing.T) {
	c, _, _ := newTestCache(t)
	c.UpdateMultiplex(7, 0x2000)
	c.UpdateNetworkID(0x3000)
	mux := c.Multiplex()
	if mux.PATVersion != 7 || mux.TransportStreamID != 0x2000 || mux.NetworkID != 0x3000 {
		t.Fatalf("mux = %+v", mux)
	}
}
