package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/jobvisor/internal/cliutil"
	"github.com/Paintersrp/jobvisor/internal/control"
	"github.com/Paintersrp/jobvisor/internal/engine"
)

const (
	tableTitle          = "Jobs"
	logsTitle           = "Logs"
	filterPageName      = "filter"
	defaultLogRetention = 500
	refreshInterval     = 500 * time.Millisecond
	actionTimeout       = 30 * time.Second
)

const helpLine = "[::b]s[::-] start  [::b]x[::-] stop  [::b]k[::-] kill  [::b]r[::-] restart  [::b]+/-[::-] scale  [::b]/[::-] filter  [::b]j[::-] json  [::b]q[::-] quit"

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLogs sets the maximum number of log entries retained for each job.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// UI is the interactive job dashboard backed by tview. Job rows come from
// periodic supervisor status snapshots; log panes and messages come from
// events.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	logs   *tview.TextView
	footer *tview.TextView
	events chan engine.Event
	ctrl   control.Controller

	jobs  map[string]*jobState
	order []string

	visible     []string
	selected    string
	logsPretty  bool
	filter      string
	filterExpr  *regexp.Regexp
	logsFocused bool
	maxLogs     int
	notice      string
	redact      *cliutil.Redactor

	// selecting is set while a locked refresh moves the table selection.
	selecting atomic.Bool

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type jobState struct {
	name      string
	status    engine.JobStatus
	lastEvent time.Time
	message   string

	logs []cliutil.LogRecord
}

// New constructs a UI operating on ctrl.
func New(ctrl control.Controller, opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	logs := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	logs.SetBorder(true).SetTitle(logsTitle)
	logs.SetChangedFunc(func() {
		app.Draw()
	})

	footer := tview.NewTextView().SetDynamicColors(true)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 3, true).
		AddItem(logs, 0, 2, false).
		AddItem(footer, 1, 0, false)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:        app,
		pages:      pages,
		table:      table,
		logs:       logs,
		footer:     footer,
		events:     make(chan engine.Event, 256),
		ctrl:       ctrl,
		jobs:       make(map[string]*jobState),
		logsPretty: true,
		maxLogs:    defaultLogRetention,
		redact:     cliutil.NewRedactor(nil),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(ui)
	}

	table.SetSelectionChangedFunc(func(row, column int) {
		if ui.selecting.Load() {
			return
		}
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderLogsLocked()
	})

	logs.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEnter {
			ui.toggleFocus()
			return nil
		}
		return event
	})

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshStatusLocked()
	ui.refreshTableLocked()
	ui.renderFooterLocked()
	ui.mu.Unlock()

	return ui
}

// EventSink exposes the channel where supervisor events should be delivered.
func (u *UI) EventSink() chan<- engine.Event {
	return u.events
}

// CloseEvents closes the event channel. Only the producer may call it, once it
// has stopped sending.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() {
		close(u.events)
	})
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and processes incoming events until Stop is invoked
// or the provided context is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.cancelMu.Lock()
	cancel = u.cancel
	u.cancel = nil
	u.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop and releases resources.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) consumeEvents(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-u.events:
			if !ok {
				return
			}
			u.applyEvent(evt)
		case <-ticker.C:
			u.queueRefresh(false, true)
		}
	}
}

// overlayActive reports whether a prompt or modal owns the keyboard.
func (u *UI) overlayActive() bool {
	focus := u.app.GetFocus()
	return focus != nil && focus != u.table && focus != u.logs
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.overlayActive() {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyUp, tcell.KeyDown:
		return event
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		case 's', 'x', 'k', 'r', '+', '-':
			if cmd := u.commandForKey(event.Rune()); cmd != nil {
				go u.runCommand(cmd)
			}
			return nil
		}
	}
	return event
}

// commandForKey maps an action key to a command on the selected job.
func (u *UI) commandForKey(key rune) control.Command {
	u.mu.RLock()
	defer u.mu.RUnlock()
	state := u.jobs[u.selected]
	if state == nil {
		return nil
	}
	name := state.name
	switch key {
	case 's':
		return control.Start{Job: name}
	case 'x':
		return control.Stop{Job: name}
	case 'k':
		return control.Kill{Job: name}
	case 'r':
		return control.Restart{Job: name}
	case '+':
		return control.Scale{Job: name, Count: len(state.status.Instances) + 1}
	case '-':
		if len(state.status.Instances) <= 1 {
			return nil
		}
		return control.Scale{Job: name, Count: len(state.status.Instances) - 1}
	}
	return nil
}

func (u *UI) runCommand(cmd control.Command) {
	if u.ctrl == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	notice := cmd.String() + ": ok"
	if _, err := control.Execute(ctx, u.ctrl, cmd); err != nil {
		notice = fmt.Sprintf("[red]%s: %v[-]", cmd.String(), err)
	}
	u.mu.Lock()
	u.notice = notice
	u.mu.Unlock()
	u.queueRefresh(false, true)
}

func (u *UI) toggleFocus() {
	if u.logsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.logs)
	}
	u.logsFocused = !u.logsFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logsPretty = !u.logsPretty
	u.renderLogsLocked()
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.applyFilter(input.GetText())
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	form.SetBorder(true).SetTitle("Filter Jobs")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		u.mu.Lock()
		u.filter = ""
		u.filterExpr = nil
		u.mu.Unlock()
		u.queueRefresh(true, false)
		return
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
		return
	}

	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.queueRefresh(true, false)
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) applyEvent(evt engine.Event) {
	u.mu.Lock()
	updateLogs := u.applyEventLocked(evt)
	u.mu.Unlock()

	u.queueRefresh(updateLogs, evt.Type != engine.EventTypeLog)
}

// applyEventLocked records evt and reports whether the visible log pane
// changed.
func (u *UI) applyEventLocked(evt engine.Event) bool {
	if evt.Job == "" {
		return false
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	state := u.jobs[evt.Job]
	if state == nil {
		state = &jobState{name: evt.Job, status: engine.JobStatus{Name: evt.Job}}
		u.jobs[evt.Job] = state
		u.order = append(u.order, evt.Job)
	}
	if evt.Timestamp.After(state.lastEvent) {
		state.lastEvent = evt.Timestamp
	}

	if evt.Type == engine.EventTypeLog {
		state.logs = append(state.logs, cliutil.NewLogRecord(evt, u.redact))
		if len(state.logs) > u.maxLogs {
			trim := len(state.logs) - u.maxLogs
			state.logs = append([]cliutil.LogRecord(nil), state.logs[trim:]...)
		}
	} else {
		message := formatEventMessage(evt)
		if message == "" {
			message = string(evt.Type)
		}
		state.message = u.redact.Redact(evt.Job, fmt.Sprintf("replica %d: %s", evt.Replica, message))
	}

	return state.name == u.selected || u.selected == ""
}

// refreshStatusLocked pulls a fresh snapshot of every job from the
// controller.
func (u *UI) refreshStatusLocked() {
	if u.ctrl == nil {
		return
	}
	statuses := u.ctrl.Status()
	u.redact.Track(statuses)
	order := make([]string, 0, len(statuses))
	for _, status := range statuses {
		state := u.jobs[status.Name]
		if state == nil {
			state = &jobState{name: status.Name}
			u.jobs[status.Name] = state
		}
		state.status = status
		order = append(order, status.Name)
	}
	for _, name := range u.order {
		if _, known := u.jobs[name]; known && !containsName(order, name) {
			order = append(order, name)
		}
	}
	u.order = order
}

func (u *UI) queueRefresh(updateLogs, pullStatus bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		if pullStatus {
			u.refreshStatusLocked()
		}
		u.refreshTableLocked()
		u.renderFooterLocked()
		if updateLogs {
			u.renderLogsLocked()
		}
	})
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"JOB", "RUNNING", "STATES", "FAILURES", "UPTIME", "MESSAGE"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	names := make([]string, 0, len(u.order))
	for _, name := range u.order {
		if u.filterExpr != nil && !u.filterExpr.MatchString(name) {
			continue
		}
		names = append(names, name)
	}
	u.visible = names

	if u.filter != "" {
		u.table.SetTitle(fmt.Sprintf("%s /%s/", tableTitle, u.filter))
	} else {
		u.table.SetTitle(tableTitle)
	}

	now := time.Now()
	for row, name := range names {
		state := u.jobs[name]
		summary := summarize(state.status, now)
		message := state.message
		if len(message) > 80 {
			message = message[:77] + "..."
		}
		if message == "" {
			message = "-"
		}

		values := []string{
			name,
			fmt.Sprintf("%d/%d", summary.running, summary.total),
			summary.states,
			fmt.Sprintf("%d", summary.failures),
			cliutil.FormatUptime(summary.uptime.Seconds()),
			message,
		}
		for col, value := range values {
			cell := tview.NewTableCell(value)
			if col == 0 {
				cell = cell.SetReference(name)
			}
			u.table.SetCell(row+1, col, cell)
		}
	}

	u.ensureSelectionLocked()
}

func (u *UI) renderFooterLocked() {
	u.footer.Clear()
	if u.notice != "" {
		fmt.Fprintf(u.footer, "%s  |  %s", u.notice, helpLine)
		return
	}
	fmt.Fprint(u.footer, helpLine)
}

func (u *UI) renderLogsLocked() {
	u.logs.Clear()
	var state *jobState
	if u.selected != "" {
		state = u.jobs[u.selected]
	}
	if state == nil {
		u.logs.SetTitle(logsTitle)
		return
	}

	u.logs.SetTitle(fmt.Sprintf("%s (%s)", logsTitle, state.name))

	for _, record := range state.logs {
		var data []byte
		var err error
		if u.logsPretty {
			data, err = json.MarshalIndent(record, "", "  ")
		} else {
			data, err = json.Marshal(record)
		}
		if err != nil {
			fmt.Fprintf(u.logs, "{\"error\":\"%v\"}\n", err)
			continue
		}
		fmt.Fprintf(u.logs, "%s\n", tview.Escape(string(data)))
	}
	u.logs.ScrollToEnd()
}

func (u *UI) ensureSelectionLocked() {
	if len(u.visible) == 0 {
		u.selected = ""
		u.selectRowLocked(0)
		return
	}

	idx := -1
	for i, name := range u.visible {
		if name == u.selected {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		u.selected = u.visible[0]
	}
	u.selectRowLocked(idx + 1)
}

func (u *UI) selectRowLocked(row int) {
	u.selecting.Store(true)
	defer u.selecting.Store(false)
	u.table.Select(row, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

type jobSummary struct {
	running  int
	total    int
	failures int
	uptime   time.Duration
	states   string
}

// summarize folds the instances of a job into one table row, e.g.
// "started x2, abandoned".
func summarize(status engine.JobStatus, now time.Time) jobSummary {
	summary := jobSummary{total: len(status.Instances)}
	counts := make(map[engine.State]int)
	var order []engine.State
	for _, inst := range status.Instances {
		if inst.Running() {
			summary.running++
		}
		summary.failures += inst.Failures
		if up := inst.Uptime(now); up > summary.uptime {
			summary.uptime = up
		}
		if counts[inst.State] == 0 {
			order = append(order, inst.State)
		}
		counts[inst.State]++
	}
	parts := make([]string, 0, len(order))
	for _, state := range order {
		part := string(state)
		if n := counts[state]; n > 1 {
			part = fmt.Sprintf("%s x%d", state, n)
		}
		parts = append(parts, part)
	}
	summary.states = "-"
	if len(parts) > 0 {
		summary.states = strings.Join(parts, ", ")
	}
	return summary
}

func formatEventMessage(evt engine.Event) string {
	message := evt.Message
	if evt.Err != nil {
		if message == "" {
			message = evt.Err.Error()
		} else if message != evt.Err.Error() {
			message = message + ": " + evt.Err.Error()
		}
	}
	if evt.Reason != "" {
		if message == "" {
			return evt.Reason
		}
		return fmt.Sprintf("%s (%s)", message, evt.Reason)
	}
	return message
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
