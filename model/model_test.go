package model_test

import (
	"encoding/json"
	"testing"

	"github.com/apkfoundry/af/model"
)

func TestStatusLattice(t *testing.T) {
	cases := []struct {
		name string
		got  bool
		want bool
	}{
		{"FAIL has DONE", model.FAIL.Has(model.DONE), true},
		{"DEPFAIL has CANCEL", model.DEPFAIL.Has(model.CANCEL), true},
		{"CANCEL has ERROR", model.CANCEL.Has(model.ERROR), true},
		{"SUCCESS has DONE", model.SUCCESS.Has(model.DONE), true},
		{"NEW lacks DONE", model.NEW.Has(model.DONE), false},
	}

	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestStatusValues(t *testing.T) {
	cases := map[model.Status]int{
		model.NEW:     1,
		model.REJECT:  2,
		model.START:   4,
		model.DONE:    8,
		model.ERROR:   24,
		model.CANCEL:  56,
		model.SUCCESS: 72,
		model.FAIL:    152,
		model.DEPFAIL: 312,
		model.SKIP:    520,
	}

	for status, want := range cases {
		if int(status) != want {
			t.Errorf("%s: got %d, want %d", status, int(status), want)
		}
	}
}

func TestEventTopicUnknownSegments(t *testing.T) {
	e := &model.Event{ID: 5, Type: model.PUSH, Status: model.NEW}
	got := e.Topic()
	want := "events/NEW/@/PUSH/@/5"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestJobTopicRoundTrip(t *testing.T) {
	j := &model.Job{
		ID: 7, EventID: 1, Arch: "x86_64",
		Project: "foo", Type: model.PUSH, Target: "main",
		Status: model.NEW,
	}

	data, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded model.Job
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Topic() != j.Topic() {
		t.Errorf("topic round-trip mismatch: got %q, want %q", decoded.Topic(), j.Topic())
	}
}

func TestBuilderSetOffline(t *testing.T) {
	b := &model.Builder{
		Name: "a01",
		Arches: map[string]*model.Arch{
			"x86_64": {Idle: true},
		},
	}

	b.SetOffline()

	if !b.Offline {
		t.Error("expected Offline to be true")
	}
	if b.Arches["x86_64"].Idle {
		t.Error("expected arch to no longer be idle")
	}
	if b.Available("x86_64") {
		t.Error("expected arch to no longer be available")
	}
}

func TestTaskStartdir(t *testing.T) {
	task := &model.Task{Repo: "main", Pkg: "busybox"}
	if got := task.Startdir(); got != "main/busybox" {
		t.Errorf("got %q, want %q", got, "main/busybox")
	}
}
