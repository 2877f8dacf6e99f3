// Command dashboard is a terminal dashboard that polls a running
// scheduler's /debug/registry endpoint and renders engine load as a
// live table. Grounded on internal/tui's bubbletea Model/Init/Update/View
// shape (model_selector.go) and lipgloss-styled rendering
// (activity.go), adapted from a chat activity feed to a polling registry
// snapshot.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type engineRow struct {
	ID    string
	Load  int
	Index int
}

type registrySnapshot struct {
	Engines []engineRow `json:"engines"`
}

type tickMsg time.Time

type snapshotMsg struct {
	rows []engineRow
	err  error
}

type model struct {
	addr     string
	rows     []engineRow
	lastErr  error
	lastPoll time.Time
}

func initialModel(addr string) model {
	return model{addr: addr}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollCmd(m.addr), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(pollCmd(m.addr), tickCmd())
	case snapshotMsg:
		m.lastPoll = time.Now()
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.rows = msg.rows
	}
	return m, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func (m model) View() string {
	var b strings.Builder
	fmt.Fprintln(&b, headerStyle.Render("scheduler registry"))
	if m.lastErr != nil {
		fmt.Fprintln(&b, errStyle.Render(fmt.Sprintf("poll error: %v", m.lastErr)))
	}
	fmt.Fprintf(&b, "%-24s %8s %8s\n", "ENGINE", "INDEX", "LOAD")
	rows := append([]engineRow(nil), m.rows...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Index < rows[j].Index })
	for _, r := range rows {
		fmt.Fprintf(&b, "%-24s %8d %8d\n", r.ID, r.Index, r.Load)
	}
	fmt.Fprintln(&b, dimStyle.Render(fmt.Sprintf("last poll: %s — press q to quit", m.lastPoll.Format(time.Kitchen))))
	return b.String()
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func pollCmd(addr string) tea.Cmd {
	return func() tea.Msg {
		resp, err := http.Get(fmt.Sprintf("http://%s/debug/registry", addr))
		if err != nil {
			return snapshotMsg{err: err}
		}
		defer resp.Body.Close()
		var snap registrySnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{rows: snap.Engines}
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8088", "scheduler admin HTTP address")
	flag.Parse()

	p := tea.NewProgram(initialModel(*addr))
	if _, err := p.Run(); err != nil {
		fmt.Println("dashboard: error:", err)
	}
}
