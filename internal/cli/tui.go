package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"cadastral-batch/internal/batch"
	"cadastral-batch/internal/geocore"
	"cadastral-batch/internal/ingest"
	"cadastral-batch/internal/model"
	"cadastral-batch/internal/runstore"
)

// tuiDeps is everything the interactive view drives. chat and download are
// nil when no backend is available.
type tuiDeps struct {
	ctx       context.Context
	orch      *batch.Orchestrator
	changes   <-chan struct{}
	chat      chatter
	download  downloader
	outputDir string
}

type tuiModel struct {
	deps tuiDeps
	snap batch.Snapshot

	input   textinput.Model
	logs    viewport.Model
	spinner spinner.Model
	cursor  int
	width   int
	height  int

	initialPaths  []string
	statusMessage string
	busy          bool

	chat      *chatSession
	chatName  string
	chatInput textinput.Model
	chatBusy  bool

	fatalErr error
}

type tuiChangedMsg struct{}

type tuiResetMsg struct{}

type tuiIngestMsg struct {
	projects []model.Project
	err      error
}

type tuiChatMsg struct {
	taskID string
	reply  geocore.ChatReply
	err    error
}

type tuiDownloadMsg struct {
	results []downloadResult
	err     error
}

var (
	tuiTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	tuiMutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	tuiErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	tuiOKStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	tuiWarnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	tuiInfoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))
	tuiPanelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	tuiSelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
	tuiBadgeStyle   = lipgloss.NewStyle().Padding(0, 1).Bold(true)
	tuiUserStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	tuiAssistStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	tuiWarningPanel = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("214")).Padding(0, 1)
)

func runTUI(args []string) error {
	fs := flag.NewFlagSet("tui", flag.ContinueOnError)
	rf := addRuntimeFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !stdinIsTTY() {
		return errors.New("tui requires an interactive terminal (TTY)")
	}

	env, err := loadRuntime(rf)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := context.WithCancel(env.context(context.Background()))
	defer cancel()

	changes := make(chan struct{}, 1)
	orch, err := env.newOrchestrator(notifyChanges(changes))
	if err != nil {
		return err
	}
	deps := tuiDeps{ctx: ctx, orch: orch, changes: changes, outputDir: env.cfg.OutputDir}
	if !env.offline() {
		deps.chat = env.client
		deps.download = env.client
	}

	p := tea.NewProgram(newTUIModel(deps, fs.Args()), tea.WithAltScreen())
	finalModel, err := p.Run()
	orch.Reset()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "tty") {
			return errors.New("tui requires an interactive terminal (TTY)")
		}
		return err
	}
	if fm, ok := finalModel.(tuiModel); ok {
		return fm.fatalErr
	}
	return nil
}

// notifyChanges coalesces orchestrator events into a single pending wakeup.
// The send never blocks, so it is safe from any orchestrator goroutine.
func notifyChanges(ch chan<- struct{}) func(batch.Event) {
	return func(batch.Event) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func newTUIModel(deps tuiDeps, paths []string) tuiModel {
	in := textinput.New()
	in.Placeholder = "path/to/references.txt"
	in.Prompt = "file> "
	in.CharLimit = 1024
	in.Width = 60
	in.Focus()

	ci := textinput.New()
	ci.Placeholder = "pregunta, o 1-4 para una sugerida"
	ci.Prompt = "> "
	ci.CharLimit = 500
	ci.Width = 60

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))

	m := tuiModel{
		deps:         deps,
		input:        in,
		chatInput:    ci,
		logs:         viewport.New(80, 10),
		spinner:      sp,
		initialPaths: paths,
	}
	m.refresh()
	return m
}

func (m tuiModel) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.spinner.Tick, waitForChangeCmd(m.deps.changes)}
	if len(m.initialPaths) > 0 {
		cmds = append(cmds, ingestCmd(m.deps.ctx, m.initialPaths...))
	}
	return tea.Batch(cmds...)
}

func waitForChangeCmd(changes <-chan struct{}) tea.Cmd {
	if changes == nil {
		return nil
	}
	return func() tea.Msg {
		<-changes
		return tuiChangedMsg{}
	}
}

func ingestCmd(ctx context.Context, paths ...string) tea.Cmd {
	return func() tea.Msg {
		projects, err := ingest.FromFiles(ctx, paths...)
		return tuiIngestMsg{projects: projects, err: err}
	}
}

func resetCmd(orch *batch.Orchestrator) tea.Cmd {
	return func() tea.Msg {
		orch.Reset()
		return tuiResetMsg{}
	}
}

func chatCmd(ctx context.Context, c chatter, taskID, message string) tea.Cmd {
	return func() tea.Msg {
		reply, err := c.Chat(ctx, taskID, message)
		return tuiChatMsg{taskID: taskID, reply: reply, err: err}
	}
}

func downloadCmd(ctx context.Context, dl downloader, dir string, p model.Project) tea.Cmd {
	return func() tea.Msg {
		lock, err := runstore.AcquireOutputLock(dir, "tui")
		if err != nil {
			return tuiDownloadMsg{err: err}
		}
		defer func() {
			_ = lock.Release()
		}()
		return tuiDownloadMsg{results: downloadOutputs(ctx, dl, []model.Project{p}, dir)}
	}
}

func (m *tuiModel) refresh() {
	m.snap = m.deps.orch.Snapshot()
	m.cursor = clampInt(m.cursor, 0, maxInt(len(m.snap.Projects)-1, 0))
	atBottom := m.logs.AtBottom()
	m.logs.SetContent(renderLogLines(m.snap.Logs, m.logs.Width))
	if atBottom || m.snap.State == model.StateProcessing {
		m.logs.GotoBottom()
	}
}

func (m tuiModel) selected() (model.Project, bool) {
	if m.cursor < 0 || m.cursor >= len(m.snap.Projects) {
		return model.Project{}, false
	}
	return m.snap.Projects[m.cursor], true
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = clampInt(msg.Width-10, 20, 120)
		m.chatInput.Width = clampInt(msg.Width-10, 20, 120)
		m.logs.Width = maxInt(msg.Width-4, 20)
		m.logs.Height = maxInt(msg.Height/2-4, 5)
		m.refresh()
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tuiChangedMsg:
		m.refresh()
		return m, waitForChangeCmd(m.deps.changes)
	case tuiResetMsg:
		m.busy = false
		m.chat = nil
		m.cursor = 0
		m.statusMessage = "batch cleared"
		m.refresh()
		cmd := m.input.Focus()
		return m, cmd
	case tuiIngestMsg:
		return m.applyIngest(msg), nil
	case tuiChatMsg:
		m.chatBusy = false
		if m.chat == nil || m.chat.taskID != msg.taskID {
			return m, nil
		}
		m.chat.addReply(msg.reply, msg.err)
		if msg.err != nil {
			m.statusMessage = "chat error: " + msg.err.Error()
		}
		return m, nil
	case tuiDownloadMsg:
		m.busy = false
		m.statusMessage = downloadStatus(msg)
		return m, nil
	}

	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	if m.chat != nil {
		return m.updateChat(keyMsg)
	}
	switch m.snap.State {
	case model.StateInput:
		return m.updateInput(keyMsg)
	case model.StateProcessing:
		return m.updateProcessing(keyMsg)
	case model.StateResults:
		return m.updateResults(keyMsg)
	}
	return m, nil
}

func (m tuiModel) applyIngest(msg tuiIngestMsg) tuiModel {
	var notes []string
	if msg.err != nil {
		notes = append(notes, "skipped: "+msg.err.Error())
	}
	if len(msg.projects) > 0 {
		if err := m.deps.orch.AddProjects(msg.projects...); err != nil {
			notes = append(notes, "error: "+err.Error())
		} else {
			notes = append(notes, fmt.Sprintf("added %d project(s), %d references", len(msg.projects), ingest.TotalReferences(msg.projects)))
		}
	}
	m.statusMessage = strings.Join(notes, " | ")
	m.refresh()
	return m
}

func (m tuiModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit
	case "enter":
		path := strings.TrimSpace(m.input.Value())
		if path == "" {
			return m, nil
		}
		m.input.SetValue("")
		return m, ingestCmd(m.deps.ctx, strings.Fields(path)...)
	case "up":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down":
		if m.cursor < len(m.snap.Projects)-1 {
			m.cursor++
		}
		return m, nil
	case "ctrl+x":
		p, ok := m.selected()
		if !ok {
			m.statusMessage = "select a project to remove"
			return m, nil
		}
		if err := m.deps.orch.RemoveProject(p.ID); err != nil {
			m.statusMessage = "error: " + err.Error()
			return m, nil
		}
		m.statusMessage = "removed " + p.Name
		m.refresh()
		return m, nil
	case "ctrl+s":
		if err := m.deps.orch.Start(m.deps.ctx); err != nil {
			m.statusMessage = "error: " + err.Error()
			return m, nil
		}
		m.statusMessage = ""
		m.input.Blur()
		m.refresh()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m tuiModel) updateProcessing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "r", "esc":
		if m.busy {
			return m, nil
		}
		m.busy = true
		m.statusMessage = "cancelling batch..."
		return m, resetCmd(m.deps.orch)
	}
	var cmd tea.Cmd
	m.logs, cmd = m.logs.Update(msg)
	return m, cmd
}

func (m tuiModel) updateResults(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.snap.Projects)-1 {
			m.cursor++
		}
		return m, nil
	case "n", "r":
		if m.busy {
			return m, nil
		}
		m.busy = true
		return m, resetCmd(m.deps.orch)
	case "c":
		p, ok := m.selected()
		if !ok || p.Status != model.StatusCompleted || len(p.Outputs) == 0 || p.Outputs[0].TaskID() == "" {
			m.statusMessage = "chat needs a completed project with a result url"
			return m, nil
		}
		if m.deps.chat == nil {
			m.statusMessage = "chat is not available in offline mode"
			return m, nil
		}
		m.chat = newChatSession(p.Outputs[0].TaskID())
		m.chatName = p.Name
		m.chatInput.SetValue("")
		m.statusMessage = ""
		cmd := m.chatInput.Focus()
		return m, cmd
	case "d":
		p, ok := m.selected()
		if !ok || p.Status != model.StatusCompleted {
			m.statusMessage = "select a completed project to download"
			return m, nil
		}
		if m.deps.download == nil {
			m.statusMessage = "download is not available in offline mode"
			return m, nil
		}
		if m.busy {
			return m, nil
		}
		m.busy = true
		m.statusMessage = "downloading " + p.Name + "..."
		return m, downloadCmd(m.deps.ctx, m.deps.download, m.deps.outputDir, p)
	}
	var cmd tea.Cmd
	m.logs, cmd = m.logs.Update(msg)
	return m, cmd
}

func (m tuiModel) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.chat = nil
		m.chatInput.Blur()
		return m, nil
	case "enter":
		if m.chatBusy {
			return m, nil
		}
		question := resolveQuestion(m.chatInput.Value())
		if question == "" {
			return m, nil
		}
		m.chatInput.SetValue("")
		m.chat.addQuestion(question)
		m.chatBusy = true
		return m, chatCmd(m.deps.ctx, m.deps.chat, m.chat.taskID, question)
	}
	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

func downloadStatus(msg tuiDownloadMsg) string {
	if msg.err != nil {
		return "download failed: " + msg.err.Error()
	}
	parts := make([]string, 0, len(msg.results))
	for _, r := range msg.results {
		if r.Error != "" {
			parts = append(parts, "failed "+r.Project+": "+r.Error)
			continue
		}
		parts = append(parts, fmt.Sprintf("saved %s (%s)", r.Path, formatBytesIEC(r.Bytes)))
	}
	if len(parts) == 0 {
		return "nothing to download"
	}
	return strings.Join(parts, " | ")
}

func (m tuiModel) View() string {
	width := m.width
	if width <= 0 {
		width = 100
	}

	var b strings.Builder
	b.WriteString(tuiTitleStyle.Render("cadastral-batch"))
	b.WriteString("  ")
	b.WriteString(stateBadge(m.snap.State))
	b.WriteString("\n")
	b.WriteString(tuiMutedStyle.Render(totalsLine(m.snap.Totals)))
	b.WriteString("\n\n")

	if m.chat != nil {
		b.WriteString(m.viewChat(width))
	} else {
		switch m.snap.State {
		case model.StateInput:
			b.WriteString(m.viewInput(width))
		case model.StateProcessing:
			b.WriteString(m.viewProcessing(width))
		case model.StateResults:
			b.WriteString(m.viewResults(width))
		}
	}

	if m.statusMessage != "" {
		b.WriteString("\n")
		style := tuiMutedStyle
		if strings.HasPrefix(m.statusMessage, "error") || strings.Contains(m.statusMessage, "failed") {
			style = tuiErrorStyle
		}
		b.WriteString(style.Render(wrapOrTrim(m.statusMessage, width-2)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m tuiModel) viewInput(width int) string {
	var b strings.Builder
	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	if len(m.snap.Projects) == 0 {
		b.WriteString(tuiMutedStyle.Render("no reference files yet; type a .txt path and press enter"))
		b.WriteString("\n")
	} else {
		b.WriteString(m.projectList(width, func(p model.Project) string {
			return fmt.Sprintf("%d refs | %.1f KB", len(p.References), float64(p.SizeBytes)/1024)
		}))
	}
	b.WriteString("\n")
	b.WriteString(tuiMutedStyle.Render("enter add file | up/down select | ctrl+x remove | ctrl+s process | esc quit"))
	b.WriteString("\n")
	return b.String()
}

func (m tuiModel) viewProcessing(width int) string {
	t := m.snap.Totals
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s processing %d/%d resolved\n\n", m.spinner.View(), t.Completed+t.Failed, t.Projects))
	b.WriteString(m.projectList(width, func(p model.Project) string {
		return statusBadge(p.Status)
	}))
	b.WriteString("\n")
	b.WriteString(tuiPanelStyle.Render(m.logs.View()))
	b.WriteString("\n")
	b.WriteString(tuiMutedStyle.Render("pgup/pgdown scroll | r cancel and clear | q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m tuiModel) viewResults(width int) string {
	var b strings.Builder
	b.WriteString(m.projectList(width, func(p model.Project) string {
		if len(p.Outputs) == 0 {
			return statusBadge(p.Status) + " " + tuiErrorStyle.Render(truncateRunes(p.Error, 60))
		}
		out := p.Outputs[0]
		line := statusBadge(p.Status) + " " + out.Name + " | " + out.SizeLabel
		if out.ResultURL != "" {
			line += " | " + tuiMutedStyle.Render(out.ResultURL)
		}
		return line
	}))
	b.WriteString("\n")
	b.WriteString(tuiPanelStyle.Render(m.logs.View()))
	b.WriteString("\n")
	b.WriteString(tuiMutedStyle.Render("up/down select | d download | c chat | n new batch | q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m tuiModel) viewChat(width int) string {
	var b strings.Builder
	b.WriteString(tuiTitleStyle.Render("ChatGIS"))
	b.WriteString(tuiMutedStyle.Render(fmt.Sprintf("  %s (%s)", m.chatName, m.chat.taskID)))
	b.WriteString("\n")
	if m.chat.missingCredential {
		b.WriteString(tuiWarningPanel.Render(tuiWarnStyle.Render("warning: " + missingCredentialHint)))
		b.WriteString("\n")
	}

	lines := make([]string, 0, len(m.chat.lines))
	for _, l := range m.chat.lines {
		if l.Role == "user" {
			lines = append(lines, tuiUserStyle.Render("tú: ")+l.Content)
			continue
		}
		lines = append(lines, tuiAssistStyle.Render(l.Content))
	}
	maxRows := maxInt(m.height-14, 6)
	start, end := listWindow(len(lines), len(lines)-1, maxRows)
	b.WriteString(tuiPanelStyle.Width(maxInt(width-4, 20)).Render(strings.Join(lines[start:end], "\n")))
	b.WriteString("\n")

	if m.chatBusy {
		b.WriteString(m.spinner.View() + " esperando respuesta...\n")
	} else if last := m.chat.lines[len(m.chat.lines)-1]; last.Role == "assistant" {
		b.WriteString(tuiMutedStyle.Render("Preguntas sugeridas:"))
		b.WriteString("\n")
		for i, q := range suggestedQuestions {
			b.WriteString(tuiMutedStyle.Render(fmt.Sprintf("  %d. %s", i+1, q)))
			b.WriteString("\n")
		}
	}
	b.WriteString(m.chatInput.View())
	b.WriteString("\n")
	b.WriteString(tuiMutedStyle.Render("enter send | esc close chat"))
	b.WriteString("\n")
	return b.String()
}

func (m tuiModel) projectList(width int, detail func(model.Project) string) string {
	maxRows := maxInt(m.height/3, 5)
	start, end := listWindow(len(m.snap.Projects), m.cursor, maxRows)
	var b strings.Builder
	for i := start; i < end; i++ {
		p := m.snap.Projects[i]
		line := fmt.Sprintf("%-28s %s", truncateRunes(p.Name, 28), detail(p))
		if i == m.cursor {
			line = tuiSelStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func stateBadge(s model.AppState) string {
	switch s {
	case model.StateProcessing:
		return tuiBadgeStyle.Background(lipgloss.Color("25")).Render("PROCESSING")
	case model.StateResults:
		return tuiBadgeStyle.Background(lipgloss.Color("28")).Render("RESULTS")
	default:
		return tuiBadgeStyle.Background(lipgloss.Color("240")).Render("INPUT")
	}
}

func statusBadge(status string) string {
	switch status {
	case model.StatusCompleted:
		return tuiOKStyle.Render("[ok]")
	case model.StatusError:
		return tuiErrorStyle.Render("[error]")
	case model.StatusProcessing:
		return tuiInfoStyle.Render("[processing]")
	default:
		return tuiMutedStyle.Render("[pending]")
	}
}

func renderLogLines(entries []model.LogEntry, width int) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		style := tuiAssistStyle
		switch e.Severity {
		case model.SeveritySuccess:
			style = tuiOKStyle
		case model.SeverityWarning:
			style = tuiWarnStyle
		case model.SeverityError:
			style = tuiErrorStyle
		}
		msg := wrapOrTrim(e.Message, width-len(e.Timestamp)-1)
		lines = append(lines, tuiMutedStyle.Render(e.Timestamp)+" "+style.Render(msg))
	}
	return strings.Join(lines, "\n")
}
