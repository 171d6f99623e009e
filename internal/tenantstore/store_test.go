package tenantstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ringdesk/ringdesk/pkg/types"
)

func TestFactoryOpen(t *testing.T) {
	dir := t.TempDir()
	f := NewFactory(dir)

	t.Run("open without provision fails", func(t *testing.T) {
		if _, err := f.Open("ghost"); !errors.Is(err, ErrUnknownTenant) {
			t.Fatalf("err = %v, want ErrUnknownTenant", err)
		}
		// The refusal must not leave a store file behind.
		if _, err := os.Stat(filepath.Join(dir, "client-ghost.db")); err == nil {
			t.Fatal("store file was created implicitly")
		}
	})

	t.Run("provision then open", func(t *testing.T) {
		if _, err := f.Provision("t1"); err != nil {
			t.Fatalf("provision: %v", err)
		}
		if _, err := f.Open("t1"); err != nil {
			t.Fatalf("open after provision: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "client-t1.db")); err != nil {
			t.Fatalf("store file missing: %v", err)
		}
	})

	t.Run("empty tenant id rejected", func(t *testing.T) {
		if _, err := f.Open(""); !errors.Is(err, ErrUnknownTenant) {
			t.Fatalf("err = %v, want ErrUnknownTenant", err)
		}
		if _, err := f.Provision(""); !errors.Is(err, ErrUnknownTenant) {
			t.Fatalf("err = %v, want ErrUnknownTenant", err)
		}
	})
}

func provisioned(t *testing.T) *Store {
	t.Helper()
	f := NewFactory(t.TempDir())
	s, err := f.Provision("t1")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return s
}

func TestCallLogs(t *testing.T) {
	ctx := context.Background()
	s := provisioned(t)

	call := types.CallSession{
		CallSID:     "CA1",
		TenantID:    "t1",
		CallerPhone: "+15555550999",
		Direction:   types.DirectionInbound,
		Status:      types.CallInitiated,
	}
	if err := s.CreateCall(ctx, call); err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Run("duplicate create is a no-op", func(t *testing.T) {
		if err := s.CreateCall(ctx, call); err != nil {
			t.Fatalf("replayed create: %v", err)
		}
		n, err := s.CountCalls(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 1 {
			t.Fatalf("call count = %d, want 1", n)
		}
	})

	t.Run("update and read back", func(t *testing.T) {
		if err := s.UpdateCall(ctx, "CA1", types.CallCompleted, 95*time.Second, "booking", ""); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, err := s.GetCall(ctx, "CA1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != types.CallCompleted || got.Duration != 95*time.Second || got.Intent != "booking" {
			t.Errorf("call = %+v", got)
		}
	})
}

func TestTurns(t *testing.T) {
	ctx := context.Background()
	s := provisioned(t)

	for i := 1; i <= 3; i++ {
		role := "user"
		if i%2 == 0 {
			role = "assistant"
		}
		err := s.AppendTurn(ctx, types.Turn{
			CallSID: "CA1", TurnNumber: i, Role: role, Content: "turn", Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
	}

	turns, err := s.Turns(ctx, "CA1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len = %d, want 3", len(turns))
	}
	for i, turn := range turns {
		if turn.TurnNumber != i+1 {
			t.Errorf("turn %d has number %d", i, turn.TurnNumber)
		}
	}

	t.Run("duplicate turn number rejected", func(t *testing.T) {
		err := s.AppendTurn(ctx, types.Turn{CallSID: "CA1", TurnNumber: 2, Role: "user", Content: "dup"})
		if err == nil {
			t.Fatal("expected unique constraint violation")
		}
	})

	t.Run("content truncated to cap", func(t *testing.T) {
		big := make([]byte, types.MaxTurnContent*2)
		for i := range big {
			big[i] = 'x'
		}
		err := s.AppendTurn(ctx, types.Turn{CallSID: "CA2", TurnNumber: 1, Role: "user", Content: string(big)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		turns, err := s.Turns(ctx, "CA2")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(turns[0].Content) != types.MaxTurnContent {
			t.Errorf("stored %d bytes, want %d", len(turns[0].Content), types.MaxTurnContent)
		}
	})
}

func TestVoicemails(t *testing.T) {
	ctx := context.Background()
	s := provisioned(t)

	// Recording-ready arrives first.
	err := s.UpsertVoicemail(ctx, types.Voicemail{
		CallSID: "CA1", TenantID: "t1", CallerPhone: "+15555550999",
		RecordingURL: "https://api.example.com/rec/RE1", DurationSec: 42,
	})
	if err != nil {
		t.Fatalf("upsert recording: %v", err)
	}
	// Transcription-ready arrives later with no recording URL.
	err = s.UpsertVoicemail(ctx, types.Voicemail{
		CallSID: "CA1", TenantID: "t1", Transcription: "please call me back",
	})
	if err != nil {
		t.Fatalf("upsert transcription: %v", err)
	}

	v, err := s.GetVoicemail(ctx, "CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.RecordingURL == "" || v.Transcription == "" || v.DurationSec != 42 {
		t.Errorf("merged voicemail = %+v", v)
	}
}

func TestAppointmentCache(t *testing.T) {
	ctx := context.Background()
	s := provisioned(t)

	start := time.Date(2026, 1, 19, 10, 0, 0, 0, time.UTC)
	a := types.Appointment{
		TenantID: "t1", CalendarEventID: "ev1", Provider: "google",
		Start: start, End: start.Add(time.Hour), DurationMin: 60,
		Status: types.AppointmentConfirmed, CustomerName: "Pat",
	}
	if err := s.UpsertAppointment(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	t.Run("conflict updates in place", func(t *testing.T) {
		a.Status = types.AppointmentCompleted
		a.CustomerName = "" // empty fields must not clobber stored values
		if err := s.UpsertAppointment(ctx, a); err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		got, err := s.GetAppointment(ctx, "ev1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != types.AppointmentCompleted {
			t.Errorf("status = %q", got.Status)
		}
		if got.CustomerName != "Pat" {
			t.Errorf("customer name clobbered: %q", got.CustomerName)
		}
	})

	t.Run("window query", func(t *testing.T) {
		rows, err := s.Appointments(ctx, start.Add(-time.Hour), start.Add(time.Hour))
		if err != nil {
			t.Fatalf("window: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("len = %d, want 1", len(rows))
		}
		empty, err := s.Appointments(ctx, start.Add(2*time.Hour), start.Add(3*time.Hour))
		if err != nil {
			t.Fatalf("empty window: %v", err)
		}
		if len(empty) != 0 {
			t.Fatalf("len = %d, want 0", len(empty))
		}
	})
}

func TestMetricsAndSyncRuns(t *testing.T) {
	ctx := context.Background()
	s := provisioned(t)

	for range 3 {
		err := s.RecordMetric(ctx, types.MetricPoint{TenantID: "t1", Name: types.MetricVoiceWebhookOK})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	sum, err := s.SumMetric(ctx, types.MetricVoiceWebhookOK)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 3 {
		t.Errorf("sum = %v, want 3", sum)
	}

	id, err := s.BeginSyncRun(ctx)
	if err != nil {
		t.Fatalf("begin sync run: %v", err)
	}
	if err := s.FinishSyncRun(ctx, id, "ok", 1200*time.Millisecond, 7, ""); err != nil {
		t.Fatalf("finish sync run: %v", err)
	}
	run, err := s.LastSyncRun(ctx)
	if err != nil {
		t.Fatalf("last sync run: %v", err)
	}
	if run == nil || run.Status != "ok" || run.EventCount != 7 {
		t.Errorf("run = %+v", run)
	}
}
