package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/Aman-CERP/policyrag/internal/index"
)

const defaultBarWidth = 50

// TUIRenderer shows ingest progress with bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *ingestModel
	started bool
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. It fails for non-TTY output.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, fmt.Errorf("output is not a TTY")
	}

	model := newIngestModel(cfg.SourceDir)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}

	return &TUIRenderer{
		cfg:   cfg,
		model: model,
		done:  make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	var opts []tea.ProgramOption
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	opts = append(opts, tea.WithContext(ctx))

	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		final, _ := r.program.Run()
		if m, ok := final.(*ingestModel); ok && m.quitting && r.cfg.OnInterrupt != nil {
			r.cfg.OnInterrupt()
		}
	}()

	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(p index.Progress) {
	r.send(progressMsg(p))
}

// AddError implements Renderer.
func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.send(errorMsg(event))
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(res index.Result) {
	r.send(completeMsg(res))
}

func (r *TUIRenderer) send(msg tea.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program != nil {
		r.program.Send(msg)
	}
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	program := r.program
	r.mu.Unlock()

	if program == nil {
		return nil
	}
	program.Quit()

	// Don't hang on an unresponsive terminal.
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

var _ Renderer = (*TUIRenderer)(nil)

type progressMsg index.Progress
type errorMsg ErrorEvent
type completeMsg index.Result

// ingestModel is the bubbletea model. All state is owned by the program
// goroutine and changed only through messages.
type ingestModel struct {
	sourceDir   string
	width       int
	spinner     spinner.Model
	progressBar progress.Model
	styles      Styles
	started     time.Time

	last     index.Progress
	chunks   int // chunks upserted across finished files
	errors   int
	warnings int
	complete bool
	quitting bool
	result   index.Result
}

func newIngestModel(sourceDir string) *ingestModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent))

	p := progress.New(
		progress.WithSolidFill(ColorAccent),
		progress.WithWidth(defaultBarWidth),
		progress.WithoutPercentage(),
	)

	return &ingestModel{
		sourceDir:   sourceDir,
		width:       80,
		spinner:     s,
		progressBar: p,
		styles:      DefaultStyles(),
		started:     time.Now(),
	}
}

// Init implements tea.Model.
func (m *ingestModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m *ingestModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progressBar.Width = max(msg.Width-20, 20)

	case progressMsg:
		p := index.Progress(msg)
		if p.FileIndex != m.last.FileIndex && m.last.FileIndex != 0 {
			m.chunks += m.last.Done
		}
		m.last = p

	case errorMsg:
		if msg.IsWarn {
			m.warnings++
		} else {
			m.errors++
		}

	case completeMsg:
		m.complete = true
		m.result = index.Result(msg)
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// indexed returns the chunks upserted so far in this run.
func (m *ingestModel) indexed() int {
	return m.chunks + m.last.Done
}

// View implements tea.Model.
func (m *ingestModel) View() string {
	if m.quitting && !m.complete {
		return "Cancelled.\n"
	}
	if m.complete {
		return m.renderComplete()
	}

	var lines []string
	if m.last.Files == 0 {
		lines = append(lines, fmt.Sprintf("%s Preparing index...", m.spinner.View()))
	} else {
		frac := overallFraction(m.last)
		lines = append(lines,
			m.progressBar.ViewAs(frac)+"  "+m.styles.Active.Render(fmt.Sprintf("%3.0f%%", frac*100)),
			m.styles.Label.Render(fmt.Sprintf("File %d / %d  •  %s chunks indexed  •  %s",
				m.last.FileIndex, m.last.Files, humanize.Comma(int64(m.indexed())), m.rate())),
			fmt.Sprintf("%s %s %s", m.spinner.View(), m.last.File,
				m.styles.Dim.Render(fmt.Sprintf("%d/%d", m.last.Done, m.last.Total))),
		)
	}
	if m.errors > 0 || m.warnings > 0 {
		lines = append(lines, m.styles.Error.Render(fmt.Sprintf("✗ %d failed files", m.errors))+
			"  "+m.styles.Warning.Render(fmt.Sprintf("⚠ %d warnings", m.warnings)))
	}

	title := "Policy Ingest"
	if m.sourceDir != "" {
		title += " • " + m.sourceDir
	}
	panel := m.styles.Panel.Width(max(m.width-4, 40)).Render(strings.Join(lines, "\n"))
	return m.styles.Header.Render(title) + "\n" + panel + "\n" + m.styles.Dim.Render("q to quit") + "\n"
}

func (m *ingestModel) rate() string {
	secs := time.Since(m.started).Seconds()
	if secs <= 0 {
		return "0 chunks/s"
	}
	return fmt.Sprintf("%.0f chunks/s", float64(m.indexed())/secs)
}

func (m *ingestModel) renderComplete() string {
	lines := []string{
		m.styles.Success.Render("✓ Ingest complete"),
		"",
		fmt.Sprintf("%s %s", m.styles.Label.Render("Files:   "), m.styles.Active.Render(humanize.Comma(int64(m.result.Files)))),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Indexed: "), m.styles.Active.Render(humanize.Comma(int64(m.result.Indexed)))),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Duration:"), m.styles.Active.Render(m.result.Duration.Round(100*time.Millisecond).String())),
	}
	if m.result.Skipped > 0 {
		lines = append(lines, m.styles.Warning.Render(fmt.Sprintf("⚠ %d chunks skipped as invalid", m.result.Skipped)))
	}
	if n := len(m.result.Failed); n > 0 {
		lines = append(lines, m.styles.Error.Render(fmt.Sprintf("✗ %d files could not be read", n)))
	}
	return m.styles.Panel.Width(max(m.width-4, 40)).Render(strings.Join(lines, "\n")) + "\n"
}
