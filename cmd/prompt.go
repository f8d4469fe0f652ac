package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	menuHeight = 14
	menuWidth  = 60
)

var (
	menuStyle         = lipgloss.NewStyle().Padding(0, 1)
	menuTitleStyle    = lipgloss.NewStyle().MarginTop(1).Bold(true)
	menuHeaderStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	menuItemStyle     = lipgloss.NewStyle().PaddingLeft(2)
	menuSelectedStyle = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("170"))
	menuDescStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// menuItem is one action of the guided menu, resolved to a subcommand path.
type menuItem struct {
	title       string
	description string
	path        []string
	showConfig  bool
	destructive bool
}

func (i menuItem) FilterValue() string { return i.title }

var menuItems = []menuItem{
	{title: "Back up databases", description: "dump every listed database into archives", path: []string{"backup"}},
	{title: "Restore databases", description: "load archives into the target server", path: []string{"restore"}, destructive: true},
	{title: "Sync databases", description: "copy source databases straight to the target", path: []string{"sync"}, destructive: true},
	{title: "Repair sequences", description: "reset sequences on the target database", path: []string{"sequences", "repair"}},
	{title: "List backups", description: "show archives in the backup location", path: []string{"backup", "list"}},
	{title: "Show configuration", description: "print the effective configuration", path: []string{"config"}, showConfig: true},
	{title: "Print sample configuration", description: "write a commented config to stdout", path: []string{"config"}},
}

type menuKeyMap struct {
	Accept key.Binding
	Quit   key.Binding
	Help   key.Binding
}

func (k menuKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Accept, k.Quit}
}

func (k menuKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Accept, k.Quit, k.Help}}
}

var menuKeys = menuKeyMap{
	Accept: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "run"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q/esc", "quit"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "toggle help"),
	),
}

type menuDelegate struct{}

func (d menuDelegate) Height() int                             { return 1 }
func (d menuDelegate) Spacing() int                            { return 0 }
func (d menuDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }
func (d menuDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(menuItem)
	if !ok {
		return
	}
	style := menuItemStyle
	prefix := "  "
	if index == m.Index() {
		style = menuSelectedStyle
		prefix = "> "
	}
	fmt.Fprint(w, style.Render(prefix+i.title)+"  "+menuDescStyle.Render(i.description))
}

type menuModel struct {
	list     list.Model
	keys     menuKeyMap
	help     help.Model
	header   string
	chosen   *menuItem
	quitting bool
}

func newMenuModel(header string) menuModel {
	items := make([]list.Item, 0, len(menuItems))
	for _, item := range menuItems {
		items = append(items, item)
	}

	l := list.New(items, menuDelegate{}, menuWidth, menuHeight)
	l.SetShowTitle(false)
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)
	l.DisableQuitKeybindings()

	return menuModel{list: l, keys: menuKeys, help: help.New(), header: header}
}

func (m menuModel) Init() tea.Cmd {
	return nil
}

func (m menuModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetWidth(msg.Width)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Accept):
			if item, ok := m.list.SelectedItem().(menuItem); ok {
				m.chosen = &item
			}
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m menuModel) View() string {
	if m.quitting || m.chosen != nil {
		return ""
	}
	return menuStyle.Render(fmt.Sprintf("%s\n%s\n\n%s\n\n%s",
		menuTitleStyle.Render("databasetool"),
		menuHeaderStyle.Render(m.header),
		m.list.View(),
		m.help.View(m.keys),
	))
}

// runGuided shows the action menu when no subcommand was given. Without a
// terminal it prints help instead.
func runGuided(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return cmd.Help()
	}

	final, err := tea.NewProgram(newMenuModel(guidedHeader()), tea.WithContext(cmd.Context())).Run()
	if err != nil {
		return fmt.Errorf("guided menu failed: %w", err)
	}
	m, ok := final.(menuModel)
	if !ok || m.chosen == nil {
		return nil
	}
	if m.chosen.destructive {
		proceed, err := confirm(os.Stdin, cmd.ErrOrStderr(),
			fmt.Sprintf("%s replaces databases on the target server. Continue?", m.chosen.title))
		if err != nil {
			return err
		}
		if !proceed {
			fmt.Fprintln(cmd.ErrOrStderr(), "Cancelled.")
			return nil
		}
	}
	return runMenuItem(cmd, *m.chosen)
}

// guidedHeader summarises the loaded configuration for the menu.
func guidedHeader() string {
	cfg, err := loader.Load(cfgFile)
	if err != nil {
		return fmt.Sprintf("no usable configuration: %v", err)
	}
	file := loader.ConfigFileUsed()
	if file == "" {
		file = "environment and flags"
	}
	return fmt.Sprintf("config: %s\ndatabases: %d", file, cfg.DatabaseList.Len())
}

func runMenuItem(root *cobra.Command, item menuItem) error {
	target, _, err := root.Find(item.path)
	if err != nil {
		return err
	}
	showEffective = item.showConfig
	target.SetContext(root.Context())
	target.SetOut(root.OutOrStdout())
	target.SetErr(root.ErrOrStderr())
	if target.RunE == nil {
		return target.Help()
	}
	return target.RunE(target, nil)
}

// confirm asks a yes/no question; anything but y or yes declines.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// passphrase returns the archive passphrase from its environment variable,
// prompting on a terminal when needed and unset.
func (s *session) passphrase(needed bool) (string, error) {
	if v := s.cfg.Passphrase(nil); v != "" || !needed {
		return v, nil
	}
	env := s.cfg.Archive.Encryption.PassphraseEnv
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", usageError("archive encryption needs a passphrase: set %s", env)
	}

	fmt.Fprint(s.errOut, "Archive passphrase: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(s.errOut)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(raw) == 0 {
		return "", usageError("archive encryption needs a passphrase: set %s", env)
	}
	return string(raw), nil
}
