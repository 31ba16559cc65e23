package scp

import (
	"errors"
	"reflect"
	"testing"
)

// completions counts finished items and embeds NopObserver for the rest.
type completions struct {
	NopObserver
	n int
}

func (c *completions) ItemComplete(Item) { c.n++ }

func TestObserversFanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	c := &completions{}
	obs := Observers{a, c, b}

	item := Item{Path: "dir/a.txt", Size: 5}
	obs.DirectoryEnter(Item{Path: "dir", Dir: true})
	obs.TransferStart(item)
	obs.Progress(item, 5)
	obs.ItemComplete(item)
	obs.Error(errors.New("boom"))

	want := []string{"dir dir", "start dir/a.txt 5", "progress dir/a.txt 5", "done dir/a.txt"}
	for name, r := range map[string]*recorder{"first": a, "last": b} {
		if !reflect.DeepEqual(r.events, want) {
			t.Errorf("%s observer events = %q, want %q", name, r.events, want)
		}
		if len(r.errs) != 1 {
			t.Errorf("%s observer errors = %v", name, r.errs)
		}
	}
	if c.n != 1 {
		t.Errorf("completions = %d, want 1", c.n)
	}
}
