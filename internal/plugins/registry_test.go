package plugins

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakePlugin struct {
	name     string
	role     Role
	priority int
	shutdown func(context.Context) error
}

func (p *fakePlugin) Name() string  { return p.name }
func (p *fakePlugin) Role() Role    { return p.role }
func (p *fakePlugin) Priority() int { return p.priority }

type fakeShutdownPlugin struct {
	fakePlugin
}

func (p *fakeShutdownPlugin) Shutdown(ctx context.Context) error { return p.shutdown(ctx) }

func newRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterValidation(t *testing.T) {
	r := newRegistry()

	if err := r.Register(nil); err == nil {
		t.Error("nil plugin accepted")
	}
	if err := r.Register(&fakePlugin{name: "", role: RoleModel}); err == nil {
		t.Error("unnamed plugin accepted")
	}
	if err := r.Register(&fakePlugin{name: "p", role: RoleModel, priority: -1}); err == nil {
		t.Error("negative priority accepted")
	}
	if err := r.Register(&fakePlugin{name: "p", role: Role("channel")}); err == nil {
		t.Error("unknown role accepted")
	}
}

func TestSingleSlotHighestPriorityWins(t *testing.T) {
	r := newRegistry()

	low := &fakePlugin{name: "low", role: RoleModel, priority: 1}
	high := &fakePlugin{name: "high", role: RoleModel, priority: 5}
	mid := &fakePlugin{name: "mid", role: RoleModel, priority: 3}

	for _, p := range []Plugin{low, high, mid} {
		if err := r.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.Name(), err)
		}
	}

	got, err := r.resolve(RoleModel)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Name() != "high" {
		t.Errorf("active model plugin = %s, want high", got.Name())
	}
}

func TestResolveMissingRole(t *testing.T) {
	r := newRegistry()
	if _, err := r.Store(); err == nil {
		t.Error("expected error for unregistered role")
	}
}

func TestFreezeRejectsRegistration(t *testing.T) {
	r := newRegistry()
	r.Freeze()
	err := r.Register(&fakePlugin{name: "late", role: RoleModel})
	if err == nil {
		t.Error("registration after freeze accepted")
	}
}

func TestFunctionOrdering(t *testing.T) {
	r := newRegistry()
	for _, p := range []*fakePlugin{
		{name: "b", role: RoleFunction, priority: 2},
		{name: "a", role: RoleFunction, priority: 7},
		{name: "c", role: RoleFunction, priority: 2},
	} {
		if err := r.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.name, err)
		}
	}

	names := func(ps []Plugin) []string {
		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = p.Name()
		}
		return out
	}

	pre := names(r.FunctionsPreCall())
	if pre[0] != "a" || pre[1] != "b" || pre[2] != "c" {
		t.Errorf("pre_call order = %v, want [a b c]", pre)
	}

	// Equal priorities keep registration order.
	stream := names(r.FunctionsStreamOrder())
	if stream[0] != "b" || stream[1] != "c" || stream[2] != "a" {
		t.Errorf("stream order = %v, want [b c a]", stream)
	}
}

func TestShutdownReverseOrderAndJoin(t *testing.T) {
	r := newRegistry()
	var stopped []string
	mk := func(name string, role Role, err error) *fakeShutdownPlugin {
		return &fakeShutdownPlugin{fakePlugin{
			name: name, role: role,
			shutdown: func(context.Context) error {
				stopped = append(stopped, name)
				return err
			},
		}}
	}

	failing := errors.New("flush failed")
	if err := r.Register(mk("first", RoleStore, nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(mk("second", RoleModel, failing)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakePlugin{name: "plain", role: RoleFunction}); err != nil {
		t.Fatal(err)
	}

	err := r.Shutdown(context.Background())
	if !errors.Is(err, failing) {
		t.Errorf("shutdown error = %v, want wrapped %v", err, failing)
	}
	if len(stopped) != 2 || stopped[0] != "second" || stopped[1] != "first" {
		t.Errorf("shutdown order = %v, want [second first]", stopped)
	}
}
