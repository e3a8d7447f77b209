package main

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/myolink/myolink/internal/control"
)

// World tuning, in playfield cells and ticks. One tick is 50 ms, obstacles
// scroll one cell per tick, and a jump launched at 2 cells/tick under
// 0.5 cells/tick² of gravity stays airborne for nine ticks.
const (
	tickEvery   = 50 * time.Millisecond
	jumpImpulse = 2.0
	gravity     = 0.5

	playerColumn = 4
	fieldRows    = 8
	defaultWidth = 64
	minWidth     = 24
	maxWidth     = 100

	minSpawnGap   = 18
	maxSpawnGap   = 44
	floorSpawnGap = 12
)

// jumpMsg is the game's single control input. The actuation hook injects it
// from the frame-feed goroutine; the space bar injects it from the keyboard.
type jumpMsg struct{}

// tickMsg advances world time.
type tickMsg time.Time

var (
	playerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7CE38B")).Bold(true)
	obstacleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#C89A3A"))
	crashStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F")).Bold(true)
	scoreStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F0F0F0")).Bold(true)
	groundStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8C8C8C"))
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6E6E6E"))
)

// signalState carries the latest link readout from the frame-feed goroutine
// into the render loop. The feed stores, the view loads; the two never
// share a lock.
type signalState struct {
	value  atomic.Int64
	frames atomic.Uint64
}

// gameModel implements the Bubble Tea hopper game: a runner pinned at a
// fixed column that must clear obstacles scrolling in from the right. The
// only control is "jump".
type gameModel struct {
	sig    *signalState
	ctl    *control.Controller
	linked bool

	width  int
	height int

	posY float64
	velY float64

	obstacles []int
	nextSpawn int

	started bool
	over    bool
	score   int
	best    int

	rng *rand.Rand
}

func newGame(sig *signalState, ctl *control.Controller, linked bool) *gameModel {
	return &gameModel{
		sig:    sig,
		ctl:    ctl,
		linked: linked,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Init implements tea.Model.
func (m *gameModel) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(tickEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m *gameModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case jumpMsg:
		m.jump()
		return m, nil
	case tickMsg:
		m.step()
		return m, tick()
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeySpace:
			m.jump()
			return m, nil
		case tea.KeyRunes:
			switch string(msg.Runes) {
			case "q", "Q":
				return m, tea.Quit
			case "r", "R":
				m.restart()
			}
			return m, nil
		default:
			return m, nil
		}
	default:
		return m, nil
	}
}

// jump launches the runner if it is on the ground. Edges arriving mid-air
// are dropped, not queued: a held contraction must not buffer a second hop.
// The first jump also starts the world, so the player can settle in before
// anything scrolls.
func (m *gameModel) jump() {
	if m.over {
		return
	}
	m.started = true
	if m.posY > 0 {
		return
	}
	m.velY = jumpImpulse
}

// restart clears the world after a crash. The best score survives.
func (m *gameModel) restart() {
	if !m.over {
		return
	}
	m.posY, m.velY = 0, 0
	m.obstacles = nil
	m.nextSpawn = 0
	m.score = 0
	m.started = false
	m.over = false
}

// step advances one tick of world time: physics, scroll, spawn, collision.
func (m *gameModel) step() {
	if !m.started || m.over {
		return
	}

	if m.posY > 0 || m.velY > 0 {
		m.posY += m.velY
		m.velY -= gravity
		if m.posY <= 0 {
			m.posY, m.velY = 0, 0
		}
	}

	kept := m.obstacles[:0]
	for _, x := range m.obstacles {
		x--
		if x == playerColumn-1 {
			m.score++
		}
		if x >= 0 {
			kept = append(kept, x)
		}
	}
	m.obstacles = kept

	m.nextSpawn--
	if m.nextSpawn <= 0 {
		m.obstacles = append(m.obstacles, m.fieldWidth()-1)
		m.nextSpawn = m.spawnGap()
	}

	if m.grounded() {
		for _, x := range m.obstacles {
			if x == playerColumn {
				m.over = true
				if m.score > m.best {
					m.best = m.score
				}
				break
			}
		}
	}
}

func (m *gameModel) grounded() bool { return m.posY < 1 }

// spawnGap narrows as the score climbs, floored above the nine-tick
// airtime so every pattern stays jumpable.
func (m *gameModel) spawnGap() int {
	g := minSpawnGap + m.rng.IntN(maxSpawnGap-minSpawnGap)
	g -= m.score / 5
	if g < floorSpawnGap {
		g = floorSpawnGap
	}
	return g
}

// fieldWidth clamps the playfield to the terminal, keeping the game
// readable on wide screens and playable on narrow ones.
func (m *gameModel) fieldWidth() int {
	w := m.width
	if w <= 0 {
		w = defaultWidth
	}
	if w > maxWidth {
		w = maxWidth
	}
	if w < minWidth {
		w = minWidth
	}
	return w
}

// View implements tea.Model.
func (m *gameModel) View() string {
	content := m.renderField()
	footer := m.renderFooter()
	if m.width == 0 || m.height == 0 {
		return content + "\n" + footer
	}
	bodyHeight := m.height - 1
	body := lipgloss.Place(m.width, bodyHeight, lipgloss.Center, lipgloss.Center, content)
	footerLine := lipgloss.Place(m.width, 1, lipgloss.Center, lipgloss.Center, footer)
	return body + "\n" + footerLine
}

func (m *gameModel) renderField() string {
	w := m.fieldWidth()
	playerRow := fieldRows - 1 - int(m.posY+0.5)
	if playerRow < 0 {
		playerRow = 0
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteByte('\n')
	for row := 0; row < fieldRows; row++ {
		cells := make([]string, w)
		for i := range cells {
			cells[i] = " "
		}
		if row == fieldRows-1 {
			for _, x := range m.obstacles {
				if x < w {
					cells[x] = obstacleStyle.Render("▲")
				}
			}
		}
		if row == playerRow {
			if m.over {
				cells[playerColumn] = crashStyle.Render("✱")
			} else {
				cells[playerColumn] = playerStyle.Render("@")
			}
		}
		b.WriteString(strings.Join(cells, ""))
		b.WriteByte('\n')
	}
	b.WriteString(groundStyle.Render(strings.Repeat("▔", w)))
	return b.String()
}

func (m *gameModel) renderHeader() string {
	parts := []string{scoreStyle.Render(fmt.Sprintf("score %d", m.score))}
	if m.best > 0 {
		parts = append(parts, footerStyle.Render(fmt.Sprintf("best %d", m.best)))
	}
	switch {
	case m.over:
		parts = append(parts, crashStyle.Render("game over · r restarts"))
	case !m.started && m.linked:
		parts = append(parts, footerStyle.Render("flex to start"))
	case !m.started:
		parts = append(parts, footerStyle.Render("press space to start"))
	}
	return strings.Join(parts, "  ")
}

// renderFooter shows the live signal readout, so the player can watch
// contractions land even before mastering the timing.
func (m *gameModel) renderFooter() string {
	var segments []string
	if m.linked {
		state := "rest"
		if m.ctl.Active() {
			state = "ACTIVE"
		}
		segments = append(segments,
			fmt.Sprintf("signal %d · %s", m.sig.value.Load(), state),
			fmt.Sprintf("jumps %d", m.ctl.Stats().Triggers),
			fmt.Sprintf("frames %d", m.sig.frames.Load()),
		)
	} else {
		segments = append(segments, "keyboard mode")
	}
	segments = append(segments, "space jump · r restart · q quit")
	return footerStyle.Render(strings.Join(segments, "  "))
}
