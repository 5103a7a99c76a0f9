package store

import (
	"context"
	"errors"
	"testing"

	"github.com/snapetech/tsengine/internal/model"
	"github.com/snapetech/tsengine/internal/tserr"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_AddAndFindMultiplex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	m := &model.Multiplex{
		Delivery:               model.DeliveryDVBT,
		TuningParams:           map[string]string{"Frequency": "578000000"},
		NetworkID:              0x233D,
		NetworkIDKnown:         true,
		TransportStreamID:      0x1001,
		TransportStreamIDKnown: true,
		PATVersion:             -1,
	}
	uid, err := s.AddMultiplex(ctx, m)
	if err != nil {
		t.Fatalf("AddMultiplex: %v", err)
	}

	got, err := s.FindMultiplexByUID(ctx, uid)
	if err != nil {
		t.Fatalf("FindMultiplexByUID: %v", err)
	}
	if got.NetworkID != 0x233D || got.TransportStreamID != 0x1001 {
		t.Fatalf("got = %+v", got)
	}
	if freq, ok := got.TuningParam("Frequency"); !ok || freq != "578000000" {
		t.Fatalf("tuning param mismatch: %q %v", freq, ok)
	}

	byIDs, err := s.FindMultiplexByIDs(ctx, 0x233D, 0x1001)
	if err != nil || byIDs.UID != uid {
		t.Fatalf("FindMultiplexByIDs: %+v %v", byIDs, err)
	}
}

func TestSQLiteStore_FindMultiplexByUID_notFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.FindMultiplexByUID(context.Background(), 999)
	if !errors.Is(err, tserr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_UpdateMultiplex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	uid, _ := s.AddMultiplex(ctx, &model.Multiplex{Delivery: model.DeliveryDVBT, PATVersion: -1})

	m := &model.Multiplex{UID: uid, Delivery: model.DeliveryDVBT, PATVersion: 3, NetworkID: 1, NetworkIDKnown: true}
	if err := s.UpdateMultiplex(ctx, m); err != nil {
		t.Fatalf("UpdateMultiplex: %v", err)
	}
	got, _ := s.FindMultiplexByUID(ctx, uid)
	if got.PATVersion != 3 || got.NetworkID != 1 {
		t.Fatalf("got = %+v", got)
	}
}

func TestSQLiteStore_UpsertAndEnumerateServices(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	uid, _ := s.AddMultiplex(ctx, &model.Multiplex{Delivery: model.DeliveryDVBT, PATVersion: -1})

	svc := &model.Service{MultiplexUID: uid, ServiceID: 0x64, Name: "BBC ONE", SeenInPAT: true, PMTVersion: -1}
	if err := s.UpsertService(ctx, svc); err != nil {
		t.Fatalf("UpsertService: %v", err)
	}
	svc.Name = "BBC One HD"
	if err := s.UpsertService(ctx, svc); err != nil {
		t.Fatalf("UpsertService (update): %v", err)
	}

	list, err := s.ServicesForMultiplex(ctx, uid)
	if err != nil {
		t.Fatalf("ServicesForMultiplex: %v", err)
	}
	if len(list) != 1 || list[0].Name != "BBC One HD" {
		t.Fatalf("list = %+v", list)
	}
}

func TestSQLiteStore_DeleteService(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	uid, _ := s.AddMultiplex(ctx, &model.Multiplex{Delivery: model.DeliveryDVBT, PATVersion: -1})
	s.UpsertService(ctx, &model.Service{MultiplexUID: uid, ServiceID: 1, SeenInPAT: true})

	if err := s.DeleteService(ctx, uid, 1); err != nil {
		t.Fatalf("DeleteService: %v", err)
	}
	if err := s.DeleteService(ctx, uid, 1); !errors.Is(err, tserr.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ProgramInfoRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	uid, _ := s.AddMultiplex(ctx, &model.Multiplex{Delivery: model.DeliveryDVBT, PATVersion: -1})
	s.UpsertService(ctx, &model.Service{MultiplexUID: uid, ServiceID: 1, SeenInPAT: true})

	if pi, err := s.ProgramInfo(ctx, uid, 1); err != nil || pi != nil {
		t.Fatalf("expected nil program info before any set, got %+v %v", pi, err)
	}

	info := &model.ProgramInfo{ServiceID: 1, PIDs: []model.PIDInfo{
		{PID: 0x200, Type: model.StreamTypeMPEG2Video},
		{PID: 0x201, Type: model.StreamTypeAC3, Subtype: "eng"},
	}}
	if err := s.SetProgramInfo(ctx, uid, 1, info); err != nil {
		t.Fatalf("SetProgramInfo: %v", err)
	}
	got, err := s.ProgramInfo(ctx, uid, 1)
	if err != nil {
		t.Fatalf("ProgramInfo: %v", err)
	}
	if len(got.PIDs) != 2 || got.PIDs[1].Subtype != "eng" {
		t.Fatalf("got = %+v", got)
	}

	// Replacing with a smaller set drops stale rows.
	info2 := &model.ProgramInfo{ServiceID: 1, PIDs: []model.PIDInfo{{PID: 0x200, Type: model.StreamTypeMPEG2Video}}}
	if err := s.SetProgramInfo(ctx, uid, 1, info2); err != nil {
		t.Fatalf("SetProgramInfo (replace): %v", err)
	}
	got, _ = s.ProgramInfo(ctx, uid, 1)
	if len(got.PIDs) != 1 {
		t.Fatalf("got = %+v", got)
	}
}

func TestSQLiteStore_DeleteMultiplexCascades(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	uid, _ := s.AddMultiplex(ctx, &model.Multiplex{Delivery: model.DeliveryDVBT, PATVersion: -1})
	s.UpsertService(ctx, &model.Service{MultiplexUID: uid, ServiceID: 1, SeenInPAT: true})
	s.SetProgramInfo(ctx, uid, 1, &model.ProgramInfo{ServiceID: 1, PIDs: []model.PIDInfo{{PID: 0x200}}})

	if err := s.DeleteMultiplex(ctx, uid); err != nil {
		t.Fatalf("DeleteMultiplex: %v", err)
	}
	if _, err := s.FindMultiplexByUID(ctx, uid); !errors.Is(err, tserr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	svcs, _ := s.ServicesForMultiplex(ctx, uid)
	if len(svcs) != 0 {
		t.Fatalf("expected no services after cascade delete, got %+v", svcs)
	}
}

func TestSQLiteStore_EnumerateMultiplexes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.AddMultiplex(ctx, &model.Multiplex{Delivery: model.DeliveryDVBT, PATVersion: -1})
	s.AddMultiplex(ctx, &model.Multiplex{Delivery: model.DeliveryATSC, PATVersion: -1})

	list, err := s.EnumerateMultiplexes(ctx)
	if err != nil {
		t.Fatalf("EnumerateMultiplexes: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}
}
