package tui

import (
	"context"
	"sync"
	"testing"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/jobvisor/internal/engine"
)

type fakeController struct {
	mu     sync.Mutex
	calls  []string
	status []engine.JobStatus
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeController) StartJob(_ context.Context, name string) error { return f.record("start " + name) }
func (f *fakeController) StopJob(_ context.Context, name string) error  { return f.record("stop " + name) }
func (f *fakeController) KillJob(_ context.Context, name string) error  { return f.record("kill " + name) }
func (f *fakeController) RestartJob(_ context.Context, name string) error {
	return f.record("restart " + name)
}
func (f *fakeController) ScaleJob(context.Context, string, int) error { return f.record("scale") }
func (f *fakeController) SetConfigVar(context.Context, string, string, string) error {
	return f.record("set")
}
func (f *fakeController) Save(context.Context) error   { return f.record("save") }
func (f *fakeController) Reload(context.Context) error { return f.record("reload") }
func (f *fakeController) Status() []engine.JobStatus  { return f.status }

func newTestUI(t *testing.T, ctrl *fakeController) *UI {
	t.Helper()
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	logs := tview.NewTextView()
	footer := tview.NewTextView()
	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 3, true).
		AddItem(logs, 0, 2, false)
	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:        app,
		pages:      pages,
		table:      table,
		logs:       logs,
		footer:     footer,
		events:     make(chan engine.Event, 1),
		ctrl:       ctrl,
		jobs:       make(map[string]*jobState),
		logsPretty: true,
		maxLogs:    defaultLogRetention,
		done:       make(chan struct{}),
	}

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	return ui
}

func TestHandleKeyRespectsOverlayFocus(t *testing.T) {
	ui := newTestUI(t, &fakeController{})
	ui.app.SetFocus(ui.table)

	slash := tcell.NewEventKey(tcell.KeyRune, '/', tcell.ModNone)
	if res := ui.handleKey(slash); res != nil {
		t.Fatalf("expected filter shortcut to be consumed when table focused")
	}

	if _, ok := ui.app.GetFocus().(*tview.InputField); !ok {
		t.Fatalf("expected filter input to have focus, got %T", ui.app.GetFocus())
	}

	enter := tcell.NewEventKey(tcell.KeyEnter, 0, tcell.ModNone)
	if res := ui.handleKey(enter); res != enter {
		t.Fatalf("expected Enter to bypass global handler when overlay focused")
	}

	runeEvent := tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)
	if res := ui.handleKey(runeEvent); res != runeEvent {
		t.Fatalf("expected rune to bypass global handler when overlay focused")
	}

	ui.pages.RemovePage(filterPageName)
	ui.app.SetFocus(ui.table)

	other := tcell.NewEventKey(tcell.KeyRune, 'z', tcell.ModNone)
	if res := ui.handleKey(other); res != other {
		t.Fatalf("expected unbound rune to pass through when table focused")
	}
	if ui.logsFocused {
		t.Fatalf("expected logsFocused to match table focus")
	}
}

func TestHandleKeyAllowsLogShortcuts(t *testing.T) {
	ui := newTestUI(t, &fakeController{})
	ui.app.SetFocus(ui.table)

	ui.toggleFocus()
	if ui.app.GetFocus() != ui.logs {
		t.Fatalf("expected logs to have focus after toggle")
	}

	slash := tcell.NewEventKey(tcell.KeyRune, '/', tcell.ModNone)
	if res := ui.handleKey(slash); res != nil {
		t.Fatalf("expected filter shortcut to be consumed when logs focused")
	}
}

func TestCommandForKeyTargetsSelectedJob(t *testing.T) {
	ctrl := &fakeController{status: []engine.JobStatus{
		{Name: "web", Instances: []engine.Snapshot{{Job: "web"}, {Job: "web", Replica: 1}}},
		{Name: "worker", Instances: []engine.Snapshot{{Job: "worker"}}},
	}}
	ui := newTestUI(t, ctrl)
	ui.mu.Lock()
	ui.refreshStatusLocked()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	if ui.selected != "web" {
		t.Fatalf("expected first job selected, got %q", ui.selected)
	}

	tests := map[rune]string{
		's': "start web",
		'x': "stop web",
		'k': "kill web",
		'r': "restart web",
		'+': "scale web 3",
		'-': "scale web 1",
	}
	for key, want := range tests {
		cmd := ui.commandForKey(key)
		if cmd == nil || cmd.String() != want {
			t.Fatalf("key %q: expected %q, got %v", key, want, cmd)
		}
	}

	ui.mu.Lock()
	ui.syncSelection(2)
	ui.mu.Unlock()
	if cmd := ui.commandForKey('-'); cmd != nil {
		t.Fatalf("expected no scale-down below one instance, got %v", cmd)
	}
	if cmd := ui.commandForKey('s'); cmd == nil || cmd.String() != "start worker" {
		t.Fatalf("expected start worker, got %v", cmd)
	}
}
