package platform

import (
	"context"
	"errors"
	"testing"

	"execution-core/pkg/db"
)

type fakeSettings struct {
	values map[string]string
	err    error
	reads  int
}

func (f *fakeSettings) GetSetting(_ context.Context, key string) (string, error) {
	f.reads++
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.values[key]
	if !ok {
		return "", db.ErrNotFound
	}
	return v, nil
}

func (f *fakeSettings) SetSetting(_ context.Context, key, value string) error {
	if f.values == nil {
		f.values = map[string]string{}
	}
	f.values[key] = value
	return nil
}

func TestKillSwitchDefaultsOff(t *testing.T) {
	k := NewKillSwitch(&fakeSettings{}, nil, nil)
	if k.IsOn(context.Background()) {
		t.Fatal("missing setting should read as off")
	}
}

func TestKillSwitchFailsClosed(t *testing.T) {
	store := &fakeSettings{err: errors.New("database is locked")}
	k := NewKillSwitch(store, nil, nil)
	if !k.IsOn(context.Background()) {
		t.Fatal("lookup failure must read as on")
	}
	store.err = nil
	if k.IsOn(context.Background()) {
		t.Fatal("failure result must not be cached")
	}
}

func TestKillSwitchCachesAndInvalidates(t *testing.T) {
	store := &fakeSettings{values: map[string]string{db.SettingKillSwitchGlobal: "false"}}
	k := NewKillSwitch(store, nil, nil)
	ctx := context.Background()

	k.IsOn(ctx)
	k.IsOn(ctx)
	if store.reads != 1 {
		t.Fatalf("expected cached read, got %d reads", store.reads)
	}

	if err := k.Set(ctx, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !k.IsOn(ctx) {
		t.Fatal("expected on after Set")
	}
}
