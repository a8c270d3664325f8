package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tbourn/intake-guard/internal/accumulator"
	"github.com/tbourn/intake-guard/internal/config"
	"github.com/tbourn/intake-guard/internal/dispatch"
	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/repo"
)

func TestNewTransport(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		want    string
		wantErr bool
	}{
		{name: "default", want: "log"},
		{name: "smtp", cfg: config.Config{
			Dispatch: config.DispatchConfig{Transport: "smtp"},
			SMTP:     config.SMTPConfig{Host: "mail.local", From: "noreply@example.com"},
		}, want: "smtp"},
		{name: "smtp without host", cfg: config.Config{Dispatch: config.DispatchConfig{Transport: "smtp"}}, wantErr: true},
		{name: "webhook", cfg: config.Config{
			Dispatch: config.DispatchConfig{Transport: "webhook"},
			Webhook:  config.WebhookConfig{URL: "https://hooks.example.com/notify"},
		}, want: "webhook"},
		{name: "unknown", cfg: config.Config{Dispatch: config.DispatchConfig{Transport: "pigeon"}}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := newTransport(tc.cfg, zerolog.Nop())
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", tr.Name())
				}
				return
			}
			if err != nil {
				t.Fatalf("newTransport: %v", err)
			}
			if tr.Name() != tc.want {
				t.Fatalf("got %s, want %s", tr.Name(), tc.want)
			}
			if _, ok := tr.(dispatch.Verifier); ok != (tc.want != "log") {
				t.Fatalf("%s: unexpected Verifier support %v", tc.want, ok)
			}
		})
	}
}

func TestGroupStore(t *testing.T) {
	db, err := repo.OpenSQLite("file:main_groupstore?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	ctx := context.Background()

	s, done, err := groupStore(ctx, config.Config{}, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("sql backend: %v", err)
	}
	done()
	if _, ok := s.(*repo.GroupCounterStore); !ok {
		t.Fatalf("default backend should be SQL, got %T", s)
	}

	s, _, err = groupStore(ctx, config.Config{Groups: config.GroupConfig{Backend: "memory"}}, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := s.(*accumulator.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}

	// A restart on the memory backend resumes after claimed epochs.
	for _, e := range []int64{0, 1} {
		if _, err := repo.ClaimBatchRun(ctx, db, "north", e); err != nil {
			t.Fatal(err)
		}
	}
	for _, g := range []string{"north", "south"} {
		p := &domain.PendingRequest{ClientID: "c", RequestType: "assessment", GroupKey: g, Email: "a@x.com"}
		if err := repo.CreatePending(ctx, db, p); err != nil {
			t.Fatal(err)
		}
	}
	s, _, err = groupStore(ctx, config.Config{Groups: config.GroupConfig{Backend: "memory"}}, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	north, _ := s.Snapshot(ctx, "north")
	south, _ := s.Snapshot(ctx, "south")
	if north.Epoch != 2 || north.Count != 1 || south.Epoch != 0 || south.Count != 1 {
		t.Fatalf("seeded north=%+v south=%+v", north, south)
	}
	res, err := s.Increment(ctx, "north", 5)
	if err != nil || res.Epoch != 2 || res.Count != 2 {
		t.Fatalf("increment after seed: %+v err=%v", res, err)
	}

	if _, _, err := groupStore(ctx, config.Config{Groups: config.GroupConfig{Backend: "etcd"}}, db, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
